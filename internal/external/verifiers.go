package external

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strings"

	"courierhook/internal/types"
)

// ShopifyVerifier implements WebhookVerifier for store-platform webhooks.
// The platform signs the raw request body with HMAC-SHA256 keyed by the shared
// secret and sends the base64-encoded digest in X-Shopify-Hmac-Sha256.
type ShopifyVerifier struct{}

// Verify recomputes the digest over payload and compares it in constant time.
// The comparison is done on decoded bytes so a header that is not valid
// base64 or has the wrong length fails closed.
func (ShopifyVerifier) Verify(payload []byte, header string, secret string) error {
	header = strings.TrimSpace(header)
	if header == "" {
		return types.NewAppError(types.ErrCodeAuthSignatureMissing, "missing webhook signature", nil)
	}
	if secret == "" {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "webhook secret is not configured", nil)
	}

	got, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return types.NewAppError(types.ErrCodeAuthSignatureInvalid, "webhook signature is not valid base64", err)
	}

	if !hmac.Equal(got, ComputeShopifySignature(payload, secret)) {
		return types.NewAppError(types.ErrCodeAuthSignatureInvalid, "webhook signature mismatch", nil)
	}
	return nil
}

// ComputeShopifySignature returns the raw HMAC-SHA256 digest of payload.
func ComputeShopifySignature(payload []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return mac.Sum(nil)
}

// SignShopifyPayload returns the header value a sender would attach to payload.
func SignShopifyPayload(payload []byte, secret string) string {
	return base64.StdEncoding.EncodeToString(ComputeShopifySignature(payload, secret))
}

var _ WebhookVerifier = ShopifyVerifier{}
