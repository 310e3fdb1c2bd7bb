package signers

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/username/cryptotax/src/models"
)

// SignedPayload is a ready-to-send WhiteBit request body with its auth headers.
type SignedPayload struct {
	Body    []byte
	Headers http.Header
}

// NonceSource yields strictly increasing nonces.
type NonceSource interface {
	Next() int64
}

// MonotonicNonce hands out millisecond timestamps, bumped by one whenever the
// clock has not advanced since the previous call.
type MonotonicNonce struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

func NewMonotonicNonce() *MonotonicNonce {
	return &MonotonicNonce{now: time.Now}
}

func (n *MonotonicNonce) Next() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	v := n.now().UnixMilli()
	if v <= n.last {
		v = n.last + 1
	}
	n.last = v
	return v
}

// WhiteBitSigner implements the v4 private API payload scheme.
type WhiteBitSigner struct{}

// Sign adds request and nonce to a copy of body, then returns the JSON body
// together with the X-TXC-* headers.
func (WhiteBitSigner) Sign(creds models.Credentials, path string, body map[string]any, nonce int64) (SignedPayload, error) {
	if err := checkSecret(models.ProviderWhiteBit, creds); err != nil {
		return SignedPayload{}, err
	}

	fields := make(map[string]any, len(body)+2)
	for k, v := range body {
		fields[k] = v
	}
	fields["request"] = path
	fields["nonce"] = nonce

	raw, err := json.Marshal(fields)
	if err != nil {
		return SignedPayload{}, fmt.Errorf("encoding whitebit body: %w", err)
	}
	payload := base64.StdEncoding.EncodeToString(raw)

	mac := hmac.New(sha512.New, []byte(creds.APISecret))
	mac.Write([]byte(payload))

	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("X-TXC-APIKEY", creds.APIKey)
	h.Set("X-TXC-PAYLOAD", payload)
	h.Set("X-TXC-SIGNATURE", hex.EncodeToString(mac.Sum(nil)))
	return SignedPayload{Body: raw, Headers: h}, nil
}
