package hub

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	rise "github.com/rise-support/rise-go"
)

// QueuedNotice is the message returned when a message was parked in the
// backlog. Clients treat it as a successful send.
const QueuedNotice = "Message stored; it will be delivered once the connection is restored."

// MaxContentLength bounds a message's text in runes.
const MaxContentLength = 4000

// ============================================================================
// Repository
// ============================================================================

// ErrDuplicateMessage is returned by Insert when the conversation already
// holds a message with the same client message id.
var ErrDuplicateMessage = errors.New("duplicate client message id")

// MessageRepository persists messages. Insert enforces uniqueness of
// (conversation, client message id) for non-empty ids.
type MessageRepository interface {
	Insert(ctx context.Context, msg *rise.Message) error
	FindByClientID(ctx context.Context, conversationID, clientMessageID string) (*rise.Message, bool, error)
}

// MemoryMessageRepository keeps messages in memory.
type MemoryMessageRepository struct {
	mu       sync.RWMutex
	messages []*rise.Message
	failing  error
}

func NewMemoryMessageRepository() *MemoryMessageRepository {
	return &MemoryMessageRepository{}
}

// Fail makes every Insert return err until called with nil.
func (r *MemoryMessageRepository) Fail(err error) {
	r.mu.Lock()
	r.failing = err
	r.mu.Unlock()
}

func (r *MemoryMessageRepository) Insert(_ context.Context, msg *rise.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failing != nil {
		return r.failing
	}
	if msg.ClientMessageID != "" {
		for _, m := range r.messages {
			if m.ConversationID == msg.ConversationID && m.ClientMessageID == msg.ClientMessageID {
				return ErrDuplicateMessage
			}
		}
	}
	cp := *msg
	r.messages = append(r.messages, &cp)
	return nil
}

func (r *MemoryMessageRepository) FindByClientID(_ context.Context, conversationID, clientMessageID string) (*rise.Message, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.messages {
		if m.ConversationID == conversationID && m.ClientMessageID == clientMessageID {
			cp := *m
			return &cp, true, nil
		}
	}
	return nil, false, nil
}

// List returns the messages of a conversation in insertion order.
func (r *MemoryMessageRepository) List(conversationID string) []rise.Message {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []rise.Message
	for _, m := range r.messages {
		if m.ConversationID == conversationID {
			out = append(out, *m)
		}
	}
	return out
}

const messageSchema = `
CREATE TABLE IF NOT EXISTS messages (
	id                     TEXT PRIMARY KEY,
	conversation_id        TEXT NOT NULL,
	author_id              TEXT NOT NULL,
	author_name            TEXT NOT NULL DEFAULT '',
	content                TEXT NOT NULL DEFAULT '',
	audio_ref              TEXT NOT NULL DEFAULT '',
	audio_duration_seconds REAL NOT NULL DEFAULT 0,
	client_message_id      TEXT NOT NULL DEFAULT '',
	created_at             TIMESTAMP NOT NULL
);
DROP INDEX IF EXISTS messages_client_id;
CREATE UNIQUE INDEX IF NOT EXISTS messages_client_id_unique
	ON messages (conversation_id, client_message_id)
	WHERE client_message_id <> '';`

// SQLMessageRepository stores messages through database/sql.
type SQLMessageRepository struct {
	db *sql.DB
}

func NewSQLMessageRepository(db *sql.DB) *SQLMessageRepository {
	return &SQLMessageRepository{db: db}
}

// Migrate creates the messages table.
func (r *SQLMessageRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, messageSchema); err != nil {
		return fmt.Errorf("migrate messages: %w", err)
	}
	return nil
}

func (r *SQLMessageRepository) Insert(ctx context.Context, msg *rise.Message) error {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO messages
			(id, conversation_id, author_id, author_name, content, audio_ref, audio_duration_seconds, client_message_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		msg.ID, msg.ConversationID, msg.AuthorID, msg.AuthorName, msg.Content,
		msg.AudioRef, msg.AudioDuration, msg.ClientMessageID, msg.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	if n == 0 {
		return ErrDuplicateMessage
	}
	return nil
}

func (r *SQLMessageRepository) FindByClientID(ctx context.Context, conversationID, clientMessageID string) (*rise.Message, bool, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, author_id, author_name, content, audio_ref, audio_duration_seconds, client_message_id, created_at
		FROM messages
		WHERE conversation_id = ? AND client_message_id = ?`,
		conversationID, clientMessageID)

	var m rise.Message
	err := row.Scan(&m.ID, &m.ConversationID, &m.AuthorID, &m.AuthorName, &m.Content,
		&m.AudioRef, &m.AudioDuration, &m.ClientMessageID, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("find message: %w", err)
	}
	return &m, true, nil
}

// ============================================================================
// Service
// ============================================================================

// replayLockStripes is the number of mutexes guarding dedupe per
// (conversation, client message id).
const replayLockStripes = 64

// MessageService accepts new messages, deduplicates replays by client
// message id, and parks messages in a backlog while the repository fails.
type MessageService struct {
	repo    MessageRepository
	bus     Broadcaster
	metrics *Metrics
	logger  zerolog.Logger
	now     func() time.Time

	replayLocks [replayLockStripes]sync.Mutex

	mu      sync.Mutex
	backlog []*rise.Message
}

// NewMessageService creates a service. bus and metrics may be nil.
func NewMessageService(repo MessageRepository, bus Broadcaster, metrics *Metrics, logger zerolog.Logger) *MessageService {
	return &MessageService{
		repo:    repo,
		bus:     bus,
		metrics: metrics,
		logger:  logger.With().Str("component", "messages").Logger(),
		now:     time.Now,
	}
}

// Create stores a message from author. queued is true when the message went
// to the backlog instead of the repository.
func (s *MessageService) Create(ctx context.Context, conversationID string, author rise.UserContext, req rise.CreateMessageRequest) (msg *rise.Message, queued bool, err error) {
	if err := validateMessage(conversationID, req); err != nil {
		return nil, false, err
	}

	s.FlushBacklog(ctx)

	if req.ClientMessageID != "" {
		// A replay can race the original request still running on the server.
		unlock := s.lockReplay(conversationID, req.ClientMessageID)
		defer unlock()

		if m, ok := s.backlogged(conversationID, req.ClientMessageID); ok {
			return m, true, nil
		}
		existing, ok, err := s.repo.FindByClientID(ctx, conversationID, req.ClientMessageID)
		if err != nil {
			return nil, false, &rise.ConnectionError{Op: "find message", Err: err}
		}
		if ok {
			s.metrics.messageCreated("duplicate")
			return existing, false, nil
		}
	}

	msg = &rise.Message{
		ID:              uuid.NewString(),
		ConversationID:  conversationID,
		AuthorID:        author.ID,
		AuthorName:      author.DisplayName,
		Content:         strings.TrimSpace(req.Content),
		AudioRef:        req.AudioRef,
		AudioDuration:   req.AudioDuration,
		ClientMessageID: req.ClientMessageID,
		CreatedAt:       s.now().UTC(),
	}

	err = s.repo.Insert(ctx, msg)
	if errors.Is(err, ErrDuplicateMessage) {
		// Another instance stored it between the lookup and the insert.
		existing, ok, ferr := s.repo.FindByClientID(ctx, conversationID, req.ClientMessageID)
		if ferr != nil || !ok {
			return nil, false, &rise.ConnectionError{Op: "find message", Err: errors.Join(err, ferr)}
		}
		s.metrics.messageCreated("duplicate")
		return existing, false, nil
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("conversation", conversationID).Msg("message store unavailable, backlogging")
		s.mu.Lock()
		s.backlog = append(s.backlog, msg)
		n := len(s.backlog)
		s.mu.Unlock()
		s.metrics.backlog(n)
		s.metrics.messageCreated("backlogged")
		return msg, true, nil
	}

	s.metrics.messageCreated("stored")
	s.publish(msg)
	return msg, false, nil
}

// FlushBacklog stores backlogged messages in order, stopping at the first
// failure. It returns how many were stored.
func (s *MessageService) FlushBacklog(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	flushed, dropped := 0, 0
	for len(s.backlog) > 0 {
		msg := s.backlog[0]
		err := s.repo.Insert(ctx, msg)
		if errors.Is(err, ErrDuplicateMessage) {
			s.backlog = s.backlog[1:]
			dropped++
			continue
		}
		if err != nil {
			break
		}
		s.backlog = s.backlog[1:]
		flushed++
		s.publish(msg)
	}
	if flushed > 0 || dropped > 0 {
		s.logger.Info().Int("flushed", flushed).Int("duplicates", dropped).Int("remaining", len(s.backlog)).Msg("backlog flushed")
		s.metrics.backlog(len(s.backlog))
	}
	return flushed
}

// BacklogLen returns the number of parked messages.
func (s *MessageService) BacklogLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.backlog)
}

func (s *MessageService) backlogged(conversationID, clientMessageID string) (*rise.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.backlog {
		if m.ConversationID == conversationID && m.ClientMessageID == clientMessageID {
			cp := *m
			return &cp, true
		}
	}
	return nil, false
}

func (s *MessageService) lockReplay(conversationID, clientMessageID string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(conversationID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(clientMessageID))
	mu := &s.replayLocks[h.Sum32()%replayLockStripes]
	mu.Lock()
	return mu.Unlock
}

func (s *MessageService) publish(msg *rise.Message) {
	if s.bus == nil {
		return
	}
	s.bus.Broadcast(rise.ConversationGroup(msg.ConversationID), rise.EventMessageCreated, msg)
}

func validateMessage(conversationID string, req rise.CreateMessageRequest) error {
	if conversationID == "" {
		return &rise.ValidationError{Field: "conversationId", Message: "conversation id is required"}
	}
	if strings.TrimSpace(req.Content) == "" && req.AudioRef == "" {
		return &rise.ValidationError{Field: "content", Message: "message must have text or audio"}
	}
	if utf8.RuneCountInString(req.Content) > MaxContentLength {
		return &rise.ValidationError{Field: "content", Message: fmt.Sprintf("message exceeds %d characters", MaxContentLength)}
	}
	if req.AudioDuration < 0 {
		return &rise.ValidationError{Field: "audioDurationSeconds", Message: "duration cannot be negative"}
	}
	return nil
}
