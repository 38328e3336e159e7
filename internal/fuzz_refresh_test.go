package internal

import (
	"testing"
)

// FuzzDecodeCredential exercises refresh credential decoding with arbitrary strings.
// Goal: no panics; invalid inputs should return errors cleanly.
func FuzzDecodeCredential(f *testing.F) {
	f.Add("")
	f.Add("abc")
	f.Add("AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")

	if fid, err := NewFamilyID(); err == nil {
		if secret, err := NewSecret(); err == nil {
			f.Add(EncodeCredential(fid, secret))
		}
	}

	f.Add("!!!not-base64!!!")
	f.Add("aGVsbG8=")

	f.Fuzz(func(t *testing.T, input string) {
		fid, secret, err := DecodeCredential(input)
		if err != nil {
			return
		}

		fid2, secret2, err := DecodeCredential(EncodeCredential(fid, secret))
		if err != nil {
			t.Fatalf("roundtrip decode failed: %v", err)
		}
		if fid2 != fid || secret2 != secret {
			t.Fatal("roundtrip mismatch")
		}
	})
}

func TestCredentialRoundTrip(t *testing.T) {
	fid, err := NewFamilyID()
	if err != nil {
		t.Fatalf("family id: %v", err)
	}
	secret, err := NewSecret()
	if err != nil {
		t.Fatalf("secret: %v", err)
	}

	cred := EncodeCredential(fid, secret)
	gotFID, gotSecret, err := DecodeCredential(cred)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if gotFID != fid || gotSecret != secret {
		t.Fatal("decoded credential does not match")
	}

	parsed, err := ParseFamilyID(fid.String())
	if err != nil || parsed != fid {
		t.Fatalf("parse family id: %v", err)
	}
	if len(HashSecret(secret)) != 64 {
		t.Fatalf("expected hex sha256, got %q", HashSecret(secret))
	}
}
