package rise

import (
	"encoding/json"
	"strings"
	"time"
)

// ============================================================================
// Group naming
// ============================================================================

const (
	conversationGroupPrefix = "chat-"
	connectionsGroupPrefix  = "connections-"
)

// ConversationGroup returns the broadcast group of a conversation.
func ConversationGroup(conversationID string) string {
	return conversationGroupPrefix + conversationID
}

// ConnectionsGroup returns the presence group of a user.
func ConnectionsGroup(userID string) string {
	return connectionsGroupPrefix + userID
}

// ConversationFromGroup extracts the conversation id from a "chat-" group.
func ConversationFromGroup(group string) (string, bool) {
	id, ok := strings.CutPrefix(group, conversationGroupPrefix)
	return id, ok && id != ""
}

// UserFromConnectionsGroup extracts the user id from a "connections-" group.
func UserFromConnectionsGroup(group string) (string, bool) {
	id, ok := strings.CutPrefix(group, connectionsGroupPrefix)
	return id, ok && id != ""
}

// ============================================================================
// Hub surface
// ============================================================================

// Hub methods invoked by clients.
const (
	MethodJoinGroup      = "JoinGroup"
	MethodLeaveGroup     = "LeaveGroup"
	MethodGetAlertStatus = "GetAlertStatus"
	MethodSetAlertState  = "SetAlertState"
	MethodPing           = "Ping"
)

// Events pushed by the hub.
const (
	EventConnected         = "Connected"
	EventMessageCreated    = "MessageCreated"
	EventAlertStateChanged = "AlertStateChanged"
)

// Frame types.
const (
	FrameInvoke     = "invoke"
	FrameCompletion = "completion"
	FrameEvent      = "event"
)

// Frame is the wire format for every hub message in both directions.
//
// Invocations carry Target and Args, and an ID when a completion is expected.
// Completions echo the ID with either Result or Error. Events carry Target and
// a single payload in Args[0].
type Frame struct {
	Type   string            `json:"type"`
	ID     string            `json:"id,omitempty"`
	Target string            `json:"target,omitempty"`
	Args   []json.RawMessage `json:"args,omitempty"`
	Result json.RawMessage   `json:"result,omitempty"`
	Error  *FrameError       `json:"error,omitempty"`
	Seq    uint64            `json:"seq,omitempty"`
}

// FrameError is the error body of a failed completion.
type FrameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes carried in completions and API envelopes.
const (
	CodeUnauthorized = "unauthorized"
	CodeForbidden    = "forbidden"
	CodeValidation   = "validation"
	CodeConflict     = "conflict"
	CodeRateLimited  = "rate_limited"
	CodeUnavailable  = "unavailable"
	CodeNotFound     = "not_found"
	CodeInternal     = "internal"
)

// ConnectedPayload is the first event sent on every hub connection.
type ConnectedPayload struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
}

// ============================================================================
// Messages
// ============================================================================

// Message is a chat message as stored by the server.
type Message struct {
	ID              string    `json:"id"`
	ConversationID  string    `json:"conversationId"`
	AuthorID        string    `json:"authorId"`
	AuthorName      string    `json:"authorName,omitempty"`
	Content         string    `json:"content,omitempty"`
	AudioRef        string    `json:"audioRef,omitempty"`
	AudioDuration   float64   `json:"audioDurationSeconds,omitempty"`
	ClientMessageID string    `json:"clientMessageId,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

// CreateMessageRequest is the body of POST /conversations/{id}/messages.
type CreateMessageRequest struct {
	Content         string  `json:"content,omitempty"`
	AudioRef        string  `json:"audioRef,omitempty"`
	AudioDuration   float64 `json:"audioDurationSeconds,omitempty"`
	ClientMessageID string  `json:"clientMessageId,omitempty"`
}

// Empty reports whether the request carries neither text nor audio.
func (r CreateMessageRequest) Empty() bool {
	return r.Content == "" && r.AudioRef == ""
}

// UserContext is the locally known authenticated user.
type UserContext struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// PendingMessage is the local projection of a message that has not been
// confirmed by the server yet. It is never persisted.
type PendingMessage struct {
	ConversationID  string      `json:"conversationId"`
	Content         string      `json:"content,omitempty"`
	AudioRef        string      `json:"audioRef,omitempty"`
	Author          UserContext `json:"author"`
	QueuedActionID  uint64      `json:"queuedActionId"`
	ClientMessageID string      `json:"clientMessageId"`
	CreatedAt       time.Time   `json:"createdAt"`
}

// ============================================================================
// Alerts
// ============================================================================

// AlertStatus is the authoritative emergency state of one conversation.
// IsActive is true exactly when InitiatorID is set.
type AlertStatus struct {
	ConversationID string    `json:"conversationId"`
	IsActive       bool      `json:"isActive"`
	InitiatorID    *string   `json:"initiatorId"`
	UpdatedBy      string    `json:"updatedBy,omitempty"`
	UpdatedAt      time.Time `json:"updatedAt,omitempty"`
}

// InactiveAlert returns the default status of a conversation without a record.
func InactiveAlert(conversationID string) AlertStatus {
	return AlertStatus{ConversationID: conversationID}
}

// Initiator returns the initiator id, or "" when inactive.
func (s AlertStatus) Initiator() string {
	if s.InitiatorID == nil {
		return ""
	}
	return *s.InitiatorID
}

// ============================================================================
// API envelope
// ============================================================================

// APIResult is the response envelope of the HTTP API.
type APIResult struct {
	OK               bool                `json:"ok"`
	Data             json.RawMessage     `json:"data,omitempty"`
	Errors           []string            `json:"errors,omitempty"`
	ValidationErrors []ValidationFailure `json:"validationErrors,omitempty"`
}

// ValidationFailure describes one invalid field.
type ValidationFailure struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Decode unmarshals Data into v.
func (r *APIResult) Decode(v any) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}
