// Package auth resolves the caller's identity from a request.
//
// Tokens are issued elsewhere (the identity provider); this package only
// verifies them. Three modes exist:
//   - header: trusts X-User-Id / ?userId= (development, or behind a trusted proxy)
//   - jwt: HS256 tokens in the Supabase shape (uuid "sub", role in app_metadata)
//   - paseto: v4.public tokens carrying "uid" and optional "role"
//
// Tokens are read from "Authorization: Bearer" first, then the "token" or
// "access_token" query parameter, since browsers cannot set headers on a
// WebSocket handshake.
package auth
