package oauth

import "encoding/json"

// ErrorResponse represents an OAuth error response
type ErrorResponse struct {
	// Error is the error code
	Error string `json:"error"`

	// ErrorDescription provides additional information
	ErrorDescription string `json:"error_description,omitempty"`
}

// AuthorizationServerMetadata represents OAuth 2.0 Authorization Server Metadata (RFC 8414).
// The same document is served as the OpenID configuration.
type AuthorizationServerMetadata struct {
	// Issuer is the authorization server's issuer identifier URL
	Issuer string `json:"issuer"`

	// AuthorizationEndpoint is the URL of the authorization endpoint
	AuthorizationEndpoint string `json:"authorization_endpoint"`

	// TokenEndpoint is the URL of the token endpoint
	TokenEndpoint string `json:"token_endpoint"`

	// IntrospectionEndpoint is the URL of the RFC 7662 endpoint
	IntrospectionEndpoint string `json:"introspection_endpoint"`

	// RevocationEndpoint is the URL of the RFC 7009 endpoint
	RevocationEndpoint string `json:"revocation_endpoint"`

	// JWKSURI is the URL of the key set. The set has no keys because tokens
	// are signed with a symmetric key.
	JWKSURI string `json:"jwks_uri"`

	// ScopesSupported lists the OAuth scopes supported
	ScopesSupported []string `json:"scopes_supported,omitempty"`

	// ResponseTypesSupported lists the OAuth response types supported
	ResponseTypesSupported []string `json:"response_types_supported"`

	// GrantTypesSupported lists the OAuth grant types supported
	GrantTypesSupported []string `json:"grant_types_supported"`

	// TokenEndpointAuthMethodsSupported lists the client authentication methods supported at the token endpoint
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`

	// TokenEndpointAuthSigningAlgValuesSupported lists the algorithms used to sign tokens
	TokenEndpointAuthSigningAlgValuesSupported []string `json:"token_endpoint_auth_signing_alg_values_supported"`

	// CodeChallengeMethodsSupported lists the PKCE methods supported (RFC 7636)
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported"`

	// ClaimsSupported lists the claims carried by signed tokens
	ClaimsSupported []string `json:"claims_supported"`
}

// JSONWebKeySet is the RFC 7517 key set document.
type JSONWebKeySet struct {
	Keys []json.RawMessage `json:"keys"`
}
