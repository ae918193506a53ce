// Package platform translates platform-specific webhook payloads into
// normalized inbound events. One adapter per external platform; each adapter
// verifies authenticity before it touches the payload body.
package platform

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/kwamkid/aoochat-sub002/internal/config"
	"github.com/kwamkid/aoochat-sub002/internal/models"
)

var (
	// ErrSignature means the payload signature was missing or did not match.
	ErrSignature = errors.New("platform: invalid payload signature")
	// ErrVerification means a challenge handshake failed or is unsupported.
	ErrVerification = errors.New("platform: challenge verification failed")
	// ErrParse means the payload body was not the shape the platform sends.
	ErrParse = errors.New("platform: malformed payload")
)

// Adapter normalizes one platform's webhook deliveries.
type Adapter interface {
	Name() models.Platform

	// ParseEvents verifies the payload signature against the raw body and
	// then decodes it into zero or more inbound events. The signature check
	// always happens before any JSON decoding. A malformed sub-event is
	// dropped and logged; it never fails the surrounding batch.
	ParseEvents(rawBody []byte, headers http.Header) ([]models.InboundEvent, error)
}

// ChallengeVerifier is the optional subscription-handshake capability.
// Platforms without a handshake (LINE) simply don't implement it.
type ChallengeVerifier interface {
	// VerifyChallenge compares the caller-supplied verify token against the
	// configured secret and, on match, returns the provider's challenge
	// value byte-for-byte for the transport layer to echo back.
	VerifyChallenge(params url.Values) (string, error)
}

// Registry is the startup-time mapping from platform identifier to adapter.
// It is built once from config; there is no runtime registration.
type Registry struct {
	adapters map[models.Platform]Adapter
}

// NewRegistry wires an adapter for every platform the config enables.
func NewRegistry(cfg *config.Config, log *zap.Logger) *Registry {
	r := &Registry{adapters: make(map[models.Platform]Adapter)}
	if cfg.FacebookEnabled() {
		r.adapters[models.PlatformFacebook] = NewFacebook(cfg.Facebook, log)
	}
	if cfg.WhatsAppEnabled() {
		r.adapters[models.PlatformWhatsApp] = NewWhatsApp(cfg.WhatsApp, log)
	}
	if cfg.LineEnabled() {
		r.adapters[models.PlatformLine] = NewLine(cfg.Line, log)
	}
	return r
}

// Lookup returns the adapter for a platform identifier.
func (r *Registry) Lookup(p models.Platform) (Adapter, bool) {
	a, ok := r.adapters[p]
	return a, ok
}

// Platforms lists the enabled platform identifiers.
func (r *Registry) Platforms() []models.Platform {
	out := make([]models.Platform, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	return out
}

// verifyMetaSignature checks the X-Hub-Signature-256 header Meta sends with
// every delivery: "sha256=" + hex HMAC-SHA256 of the raw body keyed by the
// app secret. Constant-time compare.
func verifyMetaSignature(secret string, body []byte, header string) bool {
	if header == "" {
		return false
	}
	expected := strings.TrimPrefix(header, "sha256=")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	computed := fmt.Sprintf("%x", mac.Sum(nil))
	return hmac.Equal([]byte(computed), []byte(expected))
}

// verifyMetaChallenge implements the hub.mode=subscribe handshake shared by
// Facebook Messenger and WhatsApp Cloud webhooks.
func verifyMetaChallenge(params url.Values, verifyToken string) (string, error) {
	mode := params.Get("hub.mode")
	token := params.Get("hub.verify_token")
	if mode != "subscribe" || token == "" || token != verifyToken {
		return "", fmt.Errorf("%w: mode=%q", ErrVerification, mode)
	}
	return params.Get("hub.challenge"), nil
}
