package signers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/username/cryptotax/src/apperrors"
	"github.com/username/cryptotax/src/models"
)

// BinanceSigner signs Spot REST and SAPI query strings with HMAC-SHA256.
type BinanceSigner struct{}

// Sign returns the full query string to send: the sorted params, then
// timestamp and recvWindow, then the hex signature over everything before it.
// params is not modified.
func (BinanceSigner) Sign(creds models.Credentials, params url.Values, now time.Time, recvWindow time.Duration) (string, error) {
	if err := checkSecret(models.ProviderBinance, creds); err != nil {
		return "", err
	}

	var b strings.Builder
	if encoded := params.Encode(); encoded != "" {
		b.WriteString(encoded)
		b.WriteByte('&')
	}
	b.WriteString("timestamp=")
	b.WriteString(strconv.FormatInt(now.UnixMilli(), 10))
	if recvWindow > 0 {
		b.WriteString("&recvWindow=")
		b.WriteString(strconv.FormatInt(recvWindow.Milliseconds(), 10))
	}
	query := b.String()

	mac := hmac.New(sha256.New, []byte(creds.APISecret))
	mac.Write([]byte(query))
	return query + "&signature=" + hex.EncodeToString(mac.Sum(nil)), nil
}

// checkSecret rejects secrets that cannot possibly be valid before any request is built.
func checkSecret(provider string, creds models.Credentials) error {
	if strings.TrimSpace(creds.APIKey) == "" {
		return &apperrors.CredentialError{Provider: provider, Reason: apperrors.ReasonInvalidKey, Message: "API key is empty"}
	}
	if creds.APISecret == "" || strings.ContainsAny(creds.APISecret, " \t\r\n") {
		return &apperrors.CredentialError{Provider: provider, Reason: apperrors.ReasonMalformedSecret}
	}
	return nil
}
