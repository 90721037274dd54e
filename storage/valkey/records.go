package valkey

import (
	"time"

	"github.com/voicehub/smarthome-oauth/storage"
)

// Timestamps are stored as Unix milliseconds so the Lua scripts can compare
// them numerically.

type clientJSON struct {
	ClientID          string   `json:"client_id"`
	SecretHash        string   `json:"secret_hash"`
	Name              string   `json:"name,omitempty"`
	RedirectURI       string   `json:"redirect_uri"`
	Scopes            []string `json:"scopes"`
	GrantTypes        []string `json:"grant_types"`
	TokenFormat       string   `json:"token_format"`
	AccessTokenTTLMs  int64    `json:"access_token_ttl_ms"`
	RefreshTokenTTLMs int64    `json:"refresh_token_ttl_ms"`
	AutoApprove       bool     `json:"auto_approve"`
	CreatedAtMs       int64    `json:"created_at_ms"`
}

func toClientJSON(c *storage.Client) *clientJSON {
	return &clientJSON{
		ClientID:          c.ClientID,
		SecretHash:        c.SecretHash,
		Name:              c.Name,
		RedirectURI:       c.RedirectURI,
		Scopes:            c.Scopes,
		GrantTypes:        c.GrantTypes,
		TokenFormat:       c.TokenFormat,
		AccessTokenTTLMs:  c.AccessTokenTTL.Milliseconds(),
		RefreshTokenTTLMs: c.RefreshTokenTTL.Milliseconds(),
		AutoApprove:       c.AutoApprove,
		CreatedAtMs:       c.CreatedAt.UnixMilli(),
	}
}

func fromClientJSON(j *clientJSON) *storage.Client {
	return &storage.Client{
		ClientID:        j.ClientID,
		SecretHash:      j.SecretHash,
		Name:            j.Name,
		RedirectURI:     j.RedirectURI,
		Scopes:          j.Scopes,
		GrantTypes:      j.GrantTypes,
		TokenFormat:     j.TokenFormat,
		AccessTokenTTL:  time.Duration(j.AccessTokenTTLMs) * time.Millisecond,
		RefreshTokenTTL: time.Duration(j.RefreshTokenTTLMs) * time.Millisecond,
		AutoApprove:     j.AutoApprove,
		CreatedAt:       time.UnixMilli(j.CreatedAtMs).UTC(),
	}
}

type grantJSON struct {
	CodeHash            string `json:"code_hash"`
	ClientID            string `json:"client_id"`
	UserID              string `json:"user_id"`
	RedirectURI         string `json:"redirect_uri"`
	Scope               string `json:"scope"`
	State               string `json:"state"`
	CodeChallenge       string `json:"code_challenge"`
	CodeChallengeMethod string `json:"code_challenge_method"`
	CreatedAtMs         int64  `json:"created_at_ms"`
	ExpiresAtMs         int64  `json:"expires_at_ms"`
	Used                bool   `json:"used"`
	UsedAtMs            int64  `json:"used_at_ms"`
}

func toGrantJSON(g *storage.Grant) *grantJSON {
	j := &grantJSON{
		CodeHash:            g.CodeHash,
		ClientID:            g.ClientID,
		UserID:              g.UserID,
		RedirectURI:         g.RedirectURI,
		Scope:               g.Scope,
		State:               g.State,
		CodeChallenge:       g.CodeChallenge,
		CodeChallengeMethod: g.CodeChallengeMethod,
		CreatedAtMs:         g.CreatedAt.UnixMilli(),
		ExpiresAtMs:         g.ExpiresAt.UnixMilli(),
		Used:                g.Used,
	}
	if g.Used {
		j.UsedAtMs = g.UsedAt.UnixMilli()
	}
	return j
}

func fromGrantJSON(j *grantJSON) *storage.Grant {
	g := &storage.Grant{
		CodeHash:            j.CodeHash,
		ClientID:            j.ClientID,
		UserID:              j.UserID,
		RedirectURI:         j.RedirectURI,
		Scope:               j.Scope,
		State:               j.State,
		CodeChallenge:       j.CodeChallenge,
		CodeChallengeMethod: j.CodeChallengeMethod,
		CreatedAt:           time.UnixMilli(j.CreatedAtMs).UTC(),
		ExpiresAt:           time.UnixMilli(j.ExpiresAtMs).UTC(),
		Used:                j.Used,
	}
	if j.Used {
		g.UsedAt = time.UnixMilli(j.UsedAtMs).UTC()
	}
	return g
}

type tokenJSON struct {
	TokenHash   string `json:"token_hash"`
	Kind        string `json:"kind"`
	Format      string `json:"format"`
	ClientID    string `json:"client_id"`
	UserID      string `json:"user_id,omitempty"`
	Scope       string `json:"scope"`
	CreatedAtMs int64  `json:"created_at_ms"`
	ExpiresAtMs int64  `json:"expires_at_ms"`
}

func toTokenJSON(t *storage.Token) *tokenJSON {
	return &tokenJSON{
		TokenHash:   t.TokenHash,
		Kind:        t.Kind,
		Format:      t.Format,
		ClientID:    t.ClientID,
		UserID:      t.UserID,
		Scope:       t.Scope,
		CreatedAtMs: t.CreatedAt.UnixMilli(),
		ExpiresAtMs: t.ExpiresAt.UnixMilli(),
	}
}

func fromTokenJSON(j *tokenJSON) *storage.Token {
	return &storage.Token{
		TokenHash: j.TokenHash,
		Kind:      j.Kind,
		Format:    j.Format,
		ClientID:  j.ClientID,
		UserID:    j.UserID,
		Scope:     j.Scope,
		CreatedAt: time.UnixMilli(j.CreatedAtMs).UTC(),
		ExpiresAt: time.UnixMilli(j.ExpiresAtMs).UTC(),
	}
}
