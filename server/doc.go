// Package server implements the authorization server logic behind the HTTP
// handlers in the root package.
//
// The Server type owns the client registry, issues and redeems
// authorization codes, runs the authorization_code, refresh_token and
// client_credentials grants, and validates, introspects and revokes tokens.
// Persistence goes through the storage interfaces; token encoding through
// token.Codec.
//
// Key properties:
//   - Authorization codes are single use. Redemption is a conditional atomic
//     write in the store, so of any number of concurrent requests at most one
//     receives tokens.
//   - Refresh tokens rotate by default and are consumed atomically.
//   - Codes and tokens are stored by SHA-256 hash only.
//   - Every grant failure is reported as invalid_grant; the reason is logged.
//
// Example usage:
//
//	codec, _ := token.NewCodec(key, "https://auth.example.com")
//	store := memory.New()
//
//	srv, err := server.New(store, store, store, codec, &server.Config{
//	    Issuer: "https://auth.example.com",
//	}, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.NewSweeper().Run(ctx)
package server
