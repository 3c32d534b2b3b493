package rise

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// SignatureHeader carries the HMAC-SHA256 of a webhook body.
const SignatureHeader = "X-Rise-Signature"

// ============================================================================
// Signing
// ============================================================================

// SignWebhookBody returns the "sha256=<hex>" signature of body.
func SignWebhookBody(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhookSignature verifies a webhook signature using HMAC-SHA256.
// Uses constant-time comparison to prevent timing attacks.
func VerifyWebhookSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	expected := strings.TrimPrefix(SignWebhookBody([]byte(body), secret), "sha256=")
	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParseNotificationPayload parses a raw webhook body.
func ParseNotificationPayload(body string) (*NotificationPayload, error) {
	var payload NotificationPayload
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}
	if payload.ConversationID == "" {
		return nil, fmt.Errorf("missing conversationId in webhook payload")
	}
	if payload.ContentPreview == "" {
		return nil, fmt.Errorf("missing contentPreview in webhook payload")
	}
	return &payload, nil
}

// ============================================================================
// WebhookDispatcher
// ============================================================================

// WebhookDispatcher is a NotificationDispatcher that posts signed JSON to an
// HTTP endpoint.
type WebhookDispatcher struct {
	url        string
	secret     string
	httpClient *http.Client
}

var _ NotificationDispatcher = (*WebhookDispatcher)(nil)

// NewWebhookDispatcher creates a dispatcher posting to url.
func NewWebhookDispatcher(url, secret string) (*WebhookDispatcher, error) {
	if url == "" {
		return nil, fmt.Errorf("webhook url is required")
	}
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	return &WebhookDispatcher{
		url:        url,
		secret:     secret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// Send posts payload. Any non-2xx answer is an error.
func (w *WebhookDispatcher) Send(ctx context.Context, payload NotificationPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, SignWebhookBody(body, w.secret))

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notification webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// ============================================================================
// WebhookReceiver
// ============================================================================

// WebhookHandlerFunc handles a verified notification.
type WebhookHandlerFunc func(payload *NotificationPayload) error

// WebhookReceiver verifies and parses notification webhooks on the receiving
// side.
type WebhookReceiver struct {
	secret string
	handle WebhookHandlerFunc
}

// NewWebhookReceiver creates a receiver.
func NewWebhookReceiver(secret string, handle WebhookHandlerFunc) (*WebhookReceiver, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	return &WebhookReceiver{secret: secret, handle: handle}, nil
}

// Handle processes a webhook request (verify + parse + call handler).
// Returns the status code and response body for the caller to write.
func (w *WebhookReceiver) Handle(body, signature string) (int, any) {
	if !VerifyWebhookSignature(body, signature, w.secret) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	payload, err := ParseNotificationPayload(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	if err := w.handle(payload); err != nil {
		return http.StatusInternalServerError, map[string]string{"error": err.Error()}
	}
	return http.StatusOK, map[string]bool{"ok": true}
}

// HTTPHandler returns an http.Handler that processes webhook requests.
func (w *WebhookReceiver) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
			return
		}

		bodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
			return
		}
		defer r.Body.Close()

		status, data := w.Handle(string(bodyBytes), r.Header.Get(SignatureHeader))
		writeJSON(rw, status, data)
	})
}

func writeJSON(rw http.ResponseWriter, status int, data any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(data)
}
