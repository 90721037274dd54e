package oauth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/voicehub/smarthome-oauth/instrumentation"
	"github.com/voicehub/smarthome-oauth/server"
	"github.com/voicehub/smarthome-oauth/storage"
)

// ServeAuthorization handles the authorization endpoint (RFC 6749 section
// 4.1.1). A valid request is sealed into a pending authorization and the
// login page is shown. Errors are redirected to the client when its
// redirect URI is trusted and shown to the user agent otherwise.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "http.authorize")
	defer span.End()

	q := r.URL.Query()
	req := server.AuthorizationRequest{
		ResponseType:        q.Get("response_type"),
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
	}

	pending, client, err := h.server.ValidateAuthorizationRequest(ctx, req)
	if err != nil {
		instrumentation.RecordError(span, err)
		if pending == nil {
			h.logger.Debug("Rejected authorization request",
				"client_id", req.ClientID,
				"error", err)
			h.renderError(w, err)
			return
		}
		h.redirectError(w, r, pending, err)
		return
	}

	sealed, err := h.server.SealPending(pending)
	if err != nil {
		h.renderError(w, err)
		return
	}

	instrumentation.SetSpanSuccess(span)
	renderPage(w, h.logger, h.issuer(), "login", http.StatusOK, pageData{
		Action:     PathLogin,
		Request:    sealed,
		ClientName: clientName(client),
	})
}

// ServeLogin handles the login form. Successful logins continue to the
// consent page, or straight back to the client when it is auto-approved.
func (h *Handler) ServeLogin(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "http.login")
	defer span.End()

	if err := r.ParseForm(); err != nil {
		h.renderError(w, server.ErrInvalidRequest)
		return
	}

	pending, err := h.server.OpenPending(r.PostForm.Get("request"))
	if err != nil {
		h.renderError(w, err)
		return
	}

	client, err := h.server.GetClient(ctx, pending.ClientID)
	if err != nil {
		h.renderError(w, err)
		return
	}

	retry := pageData{
		Action:     PathLogin,
		Request:    r.PostForm.Get("request"),
		ClientName: clientName(client),
	}

	clientIP := h.ipResolver.ClientIP(r)
	if h.loginLimiter != nil && !h.loginLimiter.Allow(clientIP) {
		retry.Error = "Too many sign-in attempts. Wait a minute and try again."
		renderPage(w, h.logger, h.issuer(), "login", http.StatusTooManyRequests, retry)
		return
	}

	username := strings.TrimSpace(r.PostForm.Get("username"))
	userID, err := h.server.AuthenticateUser(ctx, username, r.PostForm.Get("password"), clientIP, pending)
	if err != nil {
		instrumentation.RecordError(span, err)
		if errors.Is(err, server.ErrLoginFailed) {
			retry.Error = "Invalid username or password."
			renderPage(w, h.logger, h.issuer(), "login", http.StatusUnauthorized, retry)
			return
		}
		h.logger.Error("Login failed", "client_id", pending.ClientID, "error", err)
		h.renderError(w, err)
		return
	}
	pending.UserID = userID

	if client.AutoApprove {
		h.approve(w, r, pending)
		return
	}

	sealed, err := h.server.SealPending(pending)
	if err != nil {
		h.renderError(w, err)
		return
	}

	instrumentation.SetSpanSuccess(span)
	renderPage(w, h.logger, h.issuer(), "consent", http.StatusOK, pageData{
		Action:     PathConsent,
		Request:    sealed,
		ClientName: clientName(client),
		Username:   username,
		Scopes:     strings.Fields(pending.Scope),
	})
}

// ServeConsent handles the consent form. action=approve issues the
// authorization code; anything else denies the request.
func (h *Handler) ServeConsent(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.renderError(w, server.ErrInvalidRequest)
		return
	}

	pending, err := h.server.OpenPending(r.PostForm.Get("request"))
	if err != nil {
		h.renderError(w, err)
		return
	}
	if !pending.Authenticated() {
		h.renderError(w, server.ErrAccessDenied)
		return
	}

	if r.PostForm.Get("action") != "approve" {
		target, err := h.server.Deny(pending)
		if err != nil {
			h.renderError(w, err)
			return
		}
		http.Redirect(w, r, target, http.StatusFound)
		return
	}

	h.approve(w, r, pending)
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request, pending *server.PendingAuthorization) {
	target, err := h.server.Approve(r.Context(), pending)
	if errors.Is(err, server.ErrAuthorizationCompleted) {
		h.renderError(w, err)
		return
	}
	if err != nil {
		h.logger.Error("Failed to issue authorization code",
			"client_id", pending.ClientID,
			"error", err)
		h.redirectError(w, r, pending, err)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// redirectError sends err to the client's redirect URI (RFC 6749 section
// 4.1.2.1).
func (h *Handler) redirectError(w http.ResponseWriter, r *http.Request, pending *server.PendingAuthorization, err error) {
	target, rerr := server.ErrorRedirect(pending, err)
	if rerr != nil {
		h.renderError(w, err)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// renderError shows err to the user agent. Only the wire description is
// rendered, never the underlying cause.
func (h *Handler) renderError(w http.ResponseWriter, err error) {
	oe := FromError(err)
	status := oe.Status
	if oe.Code == ErrorCodeInvalidClient {
		status = http.StatusBadRequest
	}
	msg := oe.Description
	switch {
	case errors.Is(err, server.ErrInvalidRedirectURI):
		msg = "The redirect URI is not registered for this application."
	case errors.Is(err, server.ErrAuthorizationCompleted):
		msg = "This authorization request has already been completed."
	case oe.Code == ErrorCodeInvalidClient:
		msg = "The application is not registered."
	case oe.Code == ErrorCodeInvalidRequest:
		msg = "The authorization request is invalid or has expired."
	}
	renderPage(w, h.logger, h.issuer(), "error", status, pageData{Error: msg})
}

func clientName(client *storage.Client) string {
	if client.Name != "" {
		return client.Name
	}
	return client.ClientID
}
