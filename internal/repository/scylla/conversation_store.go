package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"github.com/acme/outbound-call-engine/internal/domain"
	"github.com/acme/outbound-call-engine/internal/repository"
)

// ConversationStore persists conversation sessions and turns, expiring them after ttl.
type ConversationStore struct {
	session *gocql.Session
	ttl     int
}

// NewConversationStore creates the store; a zero ttl keeps rows forever.
func NewConversationStore(session *gocql.Session, ttl time.Duration) *ConversationStore {
	return &ConversationStore{session: session, ttl: int(ttl / time.Second)}
}

// Create inserts the session unless the call already has one.
func (s *ConversationStore) Create(ctx context.Context, sess *domain.ConversationSession) (*domain.ConversationSession, bool, error) {
	applied, err := s.session.Query(`INSERT INTO conversations (
		call_id, session_id, purpose, system_prompt, status, end_reason,
		prompt_tokens, completion_tokens, cost_micros, started_at, ended_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) IF NOT EXISTS USING TTL ?`,
		sess.CallID.String(), sess.ID.String(), string(sess.Purpose), sess.SystemPrompt, string(sess.Status), sess.EndReason,
		sess.PromptTokens, sess.CompletionTokens, sess.CostMicros, sess.StartedAt, sess.EndedAt, s.ttl,
	).WithContext(ctx).MapScanCAS(map[string]any{})
	if err != nil {
		return nil, false, fmt.Errorf("conversation store: insert: %w", err)
	}
	if !applied {
		existing, err := s.GetByCall(ctx, sess.CallID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	for i, turn := range sess.Turns {
		if err := s.insertTurn(ctx, sess.CallID, i, turn); err != nil {
			return nil, false, err
		}
	}
	return sess, true, nil
}

// GetByCall loads the session of a call with its ordered turns.
func (s *ConversationStore) GetByCall(ctx context.Context, callID uuid.UUID) (*domain.ConversationSession, error) {
	var (
		idStr, purpose, prompt, status, reason string
		promptTokens, completionTokens        int
		cost                                  int64
		started                               time.Time
		ended                                 *time.Time
	)
	err := s.session.Query(`SELECT session_id, purpose, system_prompt, status, end_reason,
		prompt_tokens, completion_tokens, cost_micros, started_at, ended_at
		FROM conversations WHERE call_id = ?`, callID.String()).WithContext(ctx).
		Scan(&idStr, &purpose, &prompt, &status, &reason, &promptTokens, &completionTokens, &cost, &started, &ended)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("conversation store: get: %w", err)
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("conversation store: parse session_id: %w", err)
	}

	sess := &domain.ConversationSession{
		ID:               id,
		CallID:           callID,
		Purpose:          domain.Purpose(purpose),
		SystemPrompt:     prompt,
		Status:           domain.SessionStatus(status),
		EndReason:        reason,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		CostMicros:       cost,
		StartedAt:        started,
		EndedAt:          ended,
	}

	iter := s.session.Query(`SELECT speaker, content, ts, tokens, latency_ms FROM conversation_turns WHERE call_id = ?`,
		callID.String()).WithContext(ctx).Iter()
	var (
		speaker, content string
		ts               time.Time
		tokens           int
		latencyMs        int64
	)
	for iter.Scan(&speaker, &content, &ts, &tokens, &latencyMs) {
		sess.Turns = append(sess.Turns, domain.Turn{
			Speaker:   domain.Speaker(speaker),
			Content:   content,
			Timestamp: ts,
			Tokens:    tokens,
			Latency:   time.Duration(latencyMs) * time.Millisecond,
		})
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("conversation store: turns: %w", err)
	}
	return sess, nil
}

// AppendTurn stores the last turn of the session and its running counters.
func (s *ConversationStore) AppendTurn(ctx context.Context, sess *domain.ConversationSession, turn domain.Turn) error {
	if err := s.insertTurn(ctx, sess.CallID, len(sess.Turns)-1, turn); err != nil {
		return err
	}
	if err := s.session.Query(`UPDATE conversations USING TTL ? SET prompt_tokens = ?, completion_tokens = ?, cost_micros = ? WHERE call_id = ?`,
		s.ttl, sess.PromptTokens, sess.CompletionTokens, sess.CostMicros, sess.CallID.String(),
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("conversation store: update counters: %w", err)
	}
	return nil
}

func (s *ConversationStore) insertTurn(ctx context.Context, callID uuid.UUID, index int, turn domain.Turn) error {
	if err := s.session.Query(`INSERT INTO conversation_turns (call_id, turn_index, speaker, content, ts, tokens, latency_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?) USING TTL ?`,
		callID.String(), index, string(turn.Speaker), turn.Content, turn.Timestamp, turn.Tokens, turn.Latency.Milliseconds(), s.ttl,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("conversation store: insert turn: %w", err)
	}
	return nil
}

// Close records the final status of an active session. ErrConflict means it was already closed.
func (s *ConversationStore) Close(ctx context.Context, sess *domain.ConversationSession) error {
	applied, err := s.session.Query(`UPDATE conversations USING TTL ? SET status = ?, end_reason = ?, ended_at = ?
		WHERE call_id = ? IF status = ?`,
		s.ttl, string(sess.Status), sess.EndReason, sess.EndedAt, sess.CallID.String(), string(domain.SessionStatusActive),
	).WithContext(ctx).MapScanCAS(map[string]any{})
	if err != nil {
		return fmt.Errorf("conversation store: close: %w", err)
	}
	if !applied {
		return fmt.Errorf("conversation store: session of call %s already closed: %w", sess.CallID, repository.ErrConflict)
	}
	return nil
}
