package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/platinummonkey/keel/pkg/observability"
)

// SignaturePrefix is the optional scheme prefix on signature headers.
const SignaturePrefix = "sha256="

// GenerateSignature returns the hex HMAC-SHA256 of payload under secret, without prefix.
func GenerateSignature(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a hex HMAC-SHA256 signature header in constant time.
// The header may carry the "sha256=" prefix and surrounding whitespace.
func VerifySignature(payload []byte, signature, secret string) bool {
	signature = strings.TrimSpace(signature)
	signature = strings.TrimPrefix(signature, SignaturePrefix)
	got, err := hex.DecodeString(strings.ToLower(signature))
	if err != nil || len(got) != sha256.Size {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), got)
}

// Verifier checks inbound deliveries for one provider.
type Verifier struct {
	provider      string
	secret        string
	allowUnsigned bool
	logger        *observability.Logger
}

// NewVerifier creates a verifier. With an empty secret, deliveries are accepted
// only when allowUnsigned is set, and each acceptance logs a warning.
func NewVerifier(provider, secret string, allowUnsigned bool, logger *observability.Logger) *Verifier {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Verifier{
		provider:      provider,
		secret:        secret,
		allowUnsigned: allowUnsigned,
		logger:        logger.WithField("provider", provider),
	}
}

// Configured reports whether a secret is set.
func (v *Verifier) Configured() bool {
	return v.secret != ""
}

// Verify reports whether payload carries a valid signature.
func (v *Verifier) Verify(payload []byte, signatureHeader string) bool {
	if v.secret == "" {
		if v.allowUnsigned {
			v.logger.Warn("webhook secret not configured, accepting unsigned delivery")
			return true
		}
		v.logger.Error("webhook secret not configured, rejecting delivery")
		return false
	}
	return VerifySignature(payload, signatureHeader, v.secret)
}
