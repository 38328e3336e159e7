package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
)

// FamilyID names one refresh-credential family: every credential rotated from the same
// login shares it.
type FamilyID [16]byte

const (
	credentialSecretSize = 32
	credentialRawSize    = len(FamilyID{}) + credentialSecretSize
)

// Secret is the random part of a refresh credential. Only its hash is stored.
type Secret [credentialSecretSize]byte

func NewFamilyID() (FamilyID, error) {
	var fid FamilyID
	_, err := rand.Read(fid[:])
	return fid, err
}

func (f FamilyID) String() string {
	// base64url, no padding, compact
	return base64.RawURLEncoding.EncodeToString(f[:])
}

func ParseFamilyID(s string) (FamilyID, error) {
	var fid FamilyID

	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return fid, err
	}
	if len(raw) != len(fid) {
		return fid, errors.New("invalid family id size")
	}

	copy(fid[:], raw)
	return fid, nil
}

func NewSecret() (Secret, error) {
	var secret Secret
	_, err := rand.Read(secret[:])
	return secret, err
}

// HashSecret returns the hex SHA-256 of secret, the form kept server side.
func HashSecret(secret Secret) string {
	sum := sha256.Sum256(secret[:])
	return hex.EncodeToString(sum[:])
}

// EncodeCredential packs fid and secret into an opaque base64url credential.
func EncodeCredential(fid FamilyID, secret Secret) string {
	var raw [credentialRawSize]byte
	copy(raw[:len(fid)], fid[:])
	copy(raw[len(fid):], secret[:])
	return base64.RawURLEncoding.EncodeToString(raw[:])
}

func DecodeCredential(credential string) (FamilyID, Secret, error) {
	var (
		fid    FamilyID
		secret Secret
	)

	raw, err := base64.RawURLEncoding.DecodeString(credential)
	if err != nil {
		return fid, secret, err
	}
	if len(raw) != credentialRawSize {
		return fid, secret, errors.New("invalid refresh credential size")
	}

	copy(fid[:], raw[:len(fid)])
	copy(secret[:], raw[len(fid):])
	return fid, secret, nil
}
