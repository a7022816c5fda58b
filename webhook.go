package waveline

import (
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

// ============================================================================
// Webhook Types
// ============================================================================

// WebhookDelivery is one Waveline webhook POST. A delivery carries the
// conversation's affected messages in snapshot form, so a receiver can feed
// them straight into a session's reconciliation path.
type WebhookDelivery struct {
	Source         string            `json:"source"`
	Event          string            `json:"event"`
	Timestamp      int64             `json:"timestamp"`
	ConversationID string            `json:"conversationId"`
	Messages       []*Message        `json:"messages"`
	Sender         WebhookSender     `json:"sender"`
	Presence       *PresenceRecord   `json:"presence,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// WebhookSender identifies the participant whose action produced the event.
type WebhookSender struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
}

// Webhook event names.
const (
	EventMessageNew      = "message.new"
	EventMessageDeleted  = "message.deleted"
	EventReactionUpdated = "reaction.updated"
	EventPresenceChanged = "presence.changed"
)

// WebhookHandlerFunc is the callback signature for verified deliveries.
type WebhookHandlerFunc func(delivery *WebhookDelivery) error

// ============================================================================
// Standalone Functions
// ============================================================================

// VerifyWebhookSignature verifies a Waveline webhook signature using
// HMAC-SHA256. Uses constant-time comparison to prevent timing attacks.
func VerifyWebhookSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := signature
	if strings.HasPrefix(sig, "sha256=") {
		sig = sig[7:]
	}
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParseWebhookDelivery parses a raw webhook body into a typed delivery.
func ParseWebhookDelivery(body string) (*WebhookDelivery, error) {
	var delivery WebhookDelivery
	if err := json.Unmarshal([]byte(body), &delivery); err != nil {
		return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}

	if delivery.Source != "waveline" {
		return nil, fmt.Errorf("unknown webhook source: %s", delivery.Source)
	}
	if delivery.Event == "" {
		return nil, fmt.Errorf("missing event field in webhook delivery")
	}
	if delivery.ConversationID == "" {
		return nil, fmt.Errorf("missing conversation id in webhook delivery")
	}

	return &delivery, nil
}

// ============================================================================
// WebhookReceiver
// ============================================================================

// WebhookReceiver handles Waveline webhook verification, parsing, and
// dispatch. Bind a session via AttachSession to have message and presence
// deliveries applied through the session's reconciler automatically.
type WebhookReceiver struct {
	secret   string
	onEvent  WebhookHandlerFunc
	sessions map[string]*Session
}

// NewWebhookReceiver creates a receiver. onEvent may be nil when sessions
// are attached and no extra processing is needed.
func NewWebhookReceiver(secret string, onEvent WebhookHandlerFunc) (*WebhookReceiver, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	return &WebhookReceiver{
		secret:   secret,
		onEvent:  onEvent,
		sessions: make(map[string]*Session),
	}, nil
}

// AttachSession routes deliveries for the session's conversation into its
// ApplyRemoteSnapshot and ApplyPresence paths.
func (w *WebhookReceiver) AttachSession(s *Session) {
	w.sessions[s.ConversationID()] = s
}

// Verify verifies an HMAC-SHA256 signature against the shared secret.
func (w *WebhookReceiver) Verify(body, signature string) bool {
	return VerifyWebhookSignature(body, signature, w.secret)
}

// Handle processes a webhook request (verify + parse + dispatch). Returns
// the status code and response body for the caller to write.
func (w *WebhookReceiver) Handle(body, signature string) (int, any) {
	if !w.Verify(body, signature) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	delivery, err := ParseWebhookDelivery(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	if s, ok := w.sessions[delivery.ConversationID]; ok {
		w.apply(s, delivery)
	}

	if w.onEvent != nil {
		if err := w.onEvent(delivery); err != nil {
			return http.StatusInternalServerError, map[string]string{"error": err.Error()}
		}
	}
	return http.StatusOK, map[string]bool{"ok": true}
}

// apply feeds a delivery into an attached session. Deleted-message events
// arrive as tombstoned records, so the snapshot path covers every message
// event shape.
func (w *WebhookReceiver) apply(s *Session, delivery *WebhookDelivery) {
	switch delivery.Event {
	case EventPresenceChanged:
		if delivery.Presence != nil {
			s.ApplyPresence(delivery.Presence)
		}
	default:
		if len(delivery.Messages) > 0 {
			s.ApplyRemoteSnapshot(delivery.Messages)
		}
	}
}

// HTTPHandler returns an http.Handler that processes webhook requests.
//
// Example:
//
//	wh, _ := waveline.NewWebhookReceiver("secret", nil)
//	wh.AttachSession(session)
//	http.Handle("/webhook", wh.HTTPHandler())
func (w *WebhookReceiver) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.Header().Set("Content-Type", "application/json")
			rw.WriteHeader(http.StatusMethodNotAllowed)
			json.NewEncoder(rw).Encode(map[string]string{"error": "Method not allowed"})
			return
		}

		bodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			rw.Header().Set("Content-Type", "application/json")
			rw.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(rw).Encode(map[string]string{"error": "Failed to read body"})
			return
		}
		defer r.Body.Close()

		statusCode, data := w.Handle(string(bodyBytes), r.Header.Get("X-Waveline-Signature"))

		rw.Header().Set("Content-Type", "application/json")
		rw.WriteHeader(statusCode)
		json.NewEncoder(rw).Encode(data)
	})
}

// HTTPHandlerFunc returns an http.HandlerFunc for convenience.
func (w *WebhookReceiver) HTTPHandlerFunc() http.HandlerFunc {
	return w.HTTPHandler().ServeHTTP
}

// SignWebhookBody computes the signature a Waveline delivery would carry,
// for local testing of receiver endpoints.
func SignWebhookBody(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// NewWebhookDelivery builds a message.new delivery envelope, mostly useful
// in tests and local tooling.
func NewWebhookDelivery(conversationID string, sender WebhookSender, msgs ...*Message) *WebhookDelivery {
	return &WebhookDelivery{
		Source:         "waveline",
		Event:          EventMessageNew,
		Timestamp:      time.Now().Unix(),
		ConversationID: conversationID,
		Messages:       msgs,
		Sender:         sender,
	}
}
