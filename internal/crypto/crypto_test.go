package crypto

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

const testKey = "0123456789abcdef0123456789abcdef"

func TestDecryptValueRoundTrip(t *testing.T) {
	t.Setenv("CREDENTIAL_ENCRYPTION_KEY", testKey)

	enc, err := EncryptValue("sn0wflake-p@ss")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	got, err := DecryptValue(enc)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if got != "sn0wflake-p@ss" {
		t.Fatalf("round trip mismatch: %q", got)
	}
}

func TestDecryptValueBase64Key(t *testing.T) {
	t.Setenv("CREDENTIAL_ENCRYPTION_KEY", testKey)
	enc, err := EncryptValue("secret")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	// The same 32 bytes handed over base64 encoded must decrypt the same
	// value.
	t.Setenv("CREDENTIAL_ENCRYPTION_KEY", base64.StdEncoding.EncodeToString([]byte(testKey)))
	got, err := DecryptValue(enc)
	if err != nil {
		t.Fatalf("decrypt with base64 key: %v", err)
	}
	if got != "secret" {
		t.Fatalf("got %q", got)
	}
}

func TestDecryptValueEmptyPassthrough(t *testing.T) {
	// No key in the environment: empty input must still pass through.
	t.Setenv("CREDENTIAL_ENCRYPTION_KEY", "")
	got, err := DecryptValue("")
	if err != nil {
		t.Fatalf("empty input: %v", err)
	}
	if got != "" {
		t.Fatalf("got %q, want empty", got)
	}
}

func TestDecryptValueMissingKey(t *testing.T) {
	t.Setenv("CREDENTIAL_ENCRYPTION_KEY", "")
	_, err := DecryptValue("aGVsbG8=")
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("want ErrConfiguration, got %v", err)
	}
}

func TestDecryptValueBadKeyLength(t *testing.T) {
	t.Setenv("CREDENTIAL_ENCRYPTION_KEY", "short")
	_, err := DecryptValue("aGVsbG8=")
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("want ErrConfiguration, got %v", err)
	}
}

func TestDecryptValueBadBase64(t *testing.T) {
	t.Setenv("CREDENTIAL_ENCRYPTION_KEY", testKey)
	_, err := DecryptValue("%%not-base64%%")
	if !errors.Is(err, ErrDecode) {
		t.Fatalf("want ErrDecode, got %v", err)
	}
}

func TestDecryptValueTooShort(t *testing.T) {
	t.Setenv("CREDENTIAL_ENCRYPTION_KEY", testKey)
	short := base64.StdEncoding.EncodeToString([]byte{1, 2, 3})
	_, err := DecryptValue(short)
	if !errors.Is(err, ErrDecode) {
		t.Fatalf("want ErrDecode, got %v", err)
	}
}

func TestDecryptValueTamperedTag(t *testing.T) {
	t.Setenv("CREDENTIAL_ENCRYPTION_KEY", testKey)
	enc, err := EncryptValue("payload")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	raw, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	// Every flipped tag byte must fail verification.
	for i := len(raw) - 16; i < len(raw); i++ {
		tampered := append([]byte(nil), raw...)
		tampered[i] ^= 0xff
		_, err := DecryptValue(base64.StdEncoding.EncodeToString(tampered))
		if !errors.Is(err, ErrIntegrity) {
			t.Fatalf("tag byte %d: want ErrIntegrity, got %v", i, err)
		}
	}
}

func TestDecryptValueWrongKey(t *testing.T) {
	t.Setenv("CREDENTIAL_ENCRYPTION_KEY", testKey)
	enc, err := EncryptValue("payload")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	t.Setenv("CREDENTIAL_ENCRYPTION_KEY", strings.Repeat("z", 32))
	_, err = DecryptValue(enc)
	if !errors.Is(err, ErrIntegrity) {
		t.Fatalf("want ErrIntegrity, got %v", err)
	}
}
