package snowflake

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AuthManager produces the key-pair JWTs the ingest API authenticates with.
// The issuer embeds a fingerprint of the public key: SHA256 over the DER
// encoded SubjectPublicKeyInfo, base64, prefixed with "SHA256:".
type AuthManager struct {
	account     string
	user        string
	key         *rsa.PrivateKey
	fingerprint string
}

func NewAuthManager(account, user, privateKeyPEM string) (*AuthManager, error) {
	key, err := parsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, err
	}

	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("encode public key: %w", err)
	}
	sum := sha256.Sum256(der)

	return &AuthManager{
		account:     account,
		user:        user,
		key:         key,
		fingerprint: "SHA256:" + base64.StdEncoding.EncodeToString(sum[:]),
	}, nil
}

func (a *AuthManager) Fingerprint() string { return a.fingerprint }

// AccountURL is the account's API endpoint; underscores in account
// identifiers become hyphens in hostnames.
func (a *AuthManager) AccountURL() string {
	host := strings.ToLower(strings.ReplaceAll(a.account, "_", "-"))
	return "https://" + host + ".snowflakecomputing.com"
}

// GenerateJWT signs a fresh one-hour token. Subject is ACCOUNT.USER upper
// cased; issuer is the subject with the key fingerprint appended.
func (a *AuthManager) GenerateJWT(now time.Time) (string, error) {
	qualified := strings.ToUpper(a.account) + "." + strings.ToUpper(a.user)

	claims := jwt.MapClaims{
		"iss": qualified + "." + a.fingerprint,
		"sub": qualified,
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
		"aud": a.AccountURL(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(a.key)
	if err != nil {
		return "", fmt.Errorf("sign jwt: %w", err)
	}
	return signed, nil
}

func parsePrivateKey(pemStr string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, errors.New("private key is not valid PEM")
	}

	switch block.Type {
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse pkcs8 key: %w", err)
		}
		key, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("unsupported key type %T, need RSA", parsed)
		}
		return key, nil
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse pkcs1 key: %w", err)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("unsupported PEM block %q", block.Type)
	}
}
