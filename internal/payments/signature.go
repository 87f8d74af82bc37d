package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Signer computes and checks provider payment signatures: hex encoded
// HMAC-SHA256 over "<provider order id>|<provider payment id>".
type Signer struct {
	secret []byte
}

// NewSigner returns a signer keyed with the provider secret.
func NewSigner(secret string) (*Signer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("signing secret required")
	}
	return &Signer{secret: []byte(secret)}, nil
}

// Sign returns the expected signature for the pair.
func (s *Signer) Sign(providerOrderID, providerPaymentID string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(providerOrderID + "|" + providerPaymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify compares in constant time. Hex case is ignored.
func (s *Signer) Verify(providerOrderID, providerPaymentID, signature string) bool {
	supplied, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(providerOrderID + "|" + providerPaymentID))
	return hmac.Equal(mac.Sum(nil), supplied)
}
