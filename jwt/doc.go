// Package jwt issues and verifies the access tokens of the development issuer.
//
// Tabs never verify tokens with this package; they only read the exp claim to time
// refreshes.
package jwt
