// Package middleware exposes the HTTP guard used by the development issuer's protected
// routes.
//
// [RequireAccess] reads the Authorization header, verifies the bearer token with a
// jwt.Manager, and injects the claims into the request context.
//
// # What this package must NOT do
//
//   - Create tokens.
//   - Access Redis; access tokens are verified statelessly.
package middleware
