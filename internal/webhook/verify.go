package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

var (
	ErrMissingSecret    = errors.New("management secret not configured")
	ErrMissingChallenge = errors.New("challenge is required")
)

// Verification Smartcar 的端点所有权校验请求
type Verification struct {
	Challenge string `json:"challenge"`
	WebhookID string `json:"webhook_id,omitempty"`
}

// Verifier 用运营方配置的 management token 回应校验挑战。
// 证明的是本端点归属，而不是请求来源。
type Verifier struct {
	secret string
}

// NewVerifier 创建校验器
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: secret}
}

// Respond 返回 hex(HMAC-SHA256(secret, challenge))
func (v *Verifier) Respond(req *Verification) (string, error) {
	if v.secret == "" {
		return "", ErrMissingSecret
	}
	if req == nil || req.Challenge == "" {
		return "", ErrMissingChallenge
	}

	mac := hmac.New(sha256.New, []byte(v.secret))
	if _, err := mac.Write([]byte(req.Challenge)); err != nil {
		return "", fmt.Errorf("write challenge to hmac: %w", err)
	}
	return hex.EncodeToString(mac.Sum(nil)), nil
}
