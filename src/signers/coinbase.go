package signers

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/username/cryptotax/src/apperrors"
	"github.com/username/cryptotax/src/models"
)

// CoinbaseTokenTTL is the lifetime of a CDP API token.
const CoinbaseTokenTTL = 120 * time.Second

type coinbaseClaims struct {
	jwt.RegisteredClaims
	URI string `json:"uri"`
}

// CoinbaseSigner builds the per-request JWT bearer token for Advanced Trade.
// APIKey is the CDP key name; APISecret is either an EC private key in PEM
// form or a base64 Ed25519 key.
type CoinbaseSigner struct {
	// Rand is the nonce source; nil means crypto/rand.
	Rand io.Reader
}

func (s CoinbaseSigner) Sign(creds models.Credentials, method, host, path string, now time.Time) (string, error) {
	if strings.TrimSpace(creds.APIKey) == "" {
		return "", &apperrors.CredentialError{Provider: models.ProviderCoinbase, Reason: apperrors.ReasonInvalidKey, Message: "API key name is empty"}
	}
	key, alg, err := parseCoinbaseKey(creds.APISecret)
	if err != nil {
		return "", &apperrors.CredentialError{Provider: models.ProviderCoinbase, Reason: apperrors.ReasonMalformedSecret, Message: err.Error()}
	}

	nonce := make([]byte, 16)
	r := s.Rand
	if r == nil {
		r = rand.Reader
	}
	if _, err := io.ReadFull(r, nonce); err != nil {
		return "", fmt.Errorf("generating jwt nonce: %w", err)
	}

	claims := coinbaseClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "cdp",
			Subject:   creds.APIKey,
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(CoinbaseTokenTTL)),
		},
		URI: strings.ToUpper(method) + " " + host + path,
	}
	token := jwt.NewWithClaims(alg, claims)
	token.Header["kid"] = creds.APIKey
	token.Header["nonce"] = hex.EncodeToString(nonce)

	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("signing coinbase jwt: %w", err)
	}
	return signed, nil
}

func parseCoinbaseKey(secret string) (crypto.Signer, jwt.SigningMethod, error) {
	secret = strings.TrimSpace(strings.ReplaceAll(secret, `\n`, "\n"))
	if secret == "" {
		return nil, nil, fmt.Errorf("secret is empty")
	}

	if block, _ := pem.Decode([]byte(secret)); block != nil {
		switch block.Type {
		case "EC PRIVATE KEY":
			k, err := x509.ParseECPrivateKey(block.Bytes)
			if err != nil {
				return nil, nil, fmt.Errorf("parsing EC key: %w", err)
			}
			return k, jwt.SigningMethodES256, nil
		case "PRIVATE KEY":
			k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, nil, fmt.Errorf("parsing PKCS8 key: %w", err)
			}
			switch key := k.(type) {
			case *ecdsa.PrivateKey:
				return key, jwt.SigningMethodES256, nil
			case ed25519.PrivateKey:
				return key, jwt.SigningMethodEdDSA, nil
			}
			return nil, nil, fmt.Errorf("unsupported PKCS8 key type %T", k)
		default:
			return nil, nil, fmt.Errorf("unsupported PEM block %q", block.Type)
		}
	}

	raw, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return nil, nil, fmt.Errorf("secret is neither PEM nor base64")
	}
	switch len(raw) {
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), jwt.SigningMethodEdDSA, nil
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), jwt.SigningMethodEdDSA, nil
	}
	return nil, nil, fmt.Errorf("ed25519 key has %d bytes", len(raw))
}
