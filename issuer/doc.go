// Package issuer is a development token issuer: the server side of the refresh call,
// run by the CLI and used by end-to-end tests.
//
// # Credential format
//
// Refresh credentials are opaque base64url strings packing a family ID and a random
// secret. Redis keeps only the SHA-256 of the current secret per family; rotation is a
// Lua compare-and-swap, so each credential is accepted at most once.
//
// # What this package must NOT do
//
//   - Serve as a production authorization server.
//   - Import anything that imports it back (the root package never imports issuer).
package issuer
