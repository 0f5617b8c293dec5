// Package conversation runs the live AI side of an answered call.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/outbound-call-engine/internal/config"
	"github.com/acme/outbound-call-engine/internal/domain"
	"github.com/acme/outbound-call-engine/internal/llm"
	"github.com/acme/outbound-call-engine/internal/metrics"
	"github.com/acme/outbound-call-engine/internal/prompt"
	"github.com/acme/outbound-call-engine/internal/queue"
	"github.com/acme/outbound-call-engine/internal/repository"
	"github.com/acme/outbound-call-engine/internal/service/concurrency"
	apperrors "github.com/acme/outbound-call-engine/pkg/errors"
	"github.com/acme/outbound-call-engine/pkg/logger"
)

const (
	defaultMaxTurns          = 20
	defaultGenerationTimeout = 30 * time.Second
	maxSilentPrompts         = 2

	closingLine   = "Thank you for your time. Have a great day!"
	silencePrompt = "Are you still there? Take your time."
	errorLine     = "I'm sorry, I'm having trouble on my end. Someone from our team will follow up with you. Goodbye."
)

// DefaultTerminalPhrases end the conversation when spoken by either side.
var DefaultTerminalPhrases = []string{
	"goodbye", "bye", "not interested", "remove me", "do not call", "stop calling", "have a great day",
}

// End reasons recorded on the session.
const (
	ReasonMaxTurns        = "max_turns"
	ReasonContactPhrase   = "contact_terminal_phrase"
	ReasonAgentPhrase     = "agent_terminal_phrase"
	ReasonHangup          = "hangup"
	ReasonGenerationError = "generation_error"
	ReasonNoResponse      = "no_response"
)

// Reply is the agent's next utterance. Hangup ends the call after speaking it.
type Reply struct {
	Text   string
	Hangup bool
}

// Locker serializes reply generation per call across processes.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error)
}

// StatusPublisher announces finished calls.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, msg queue.StatusMessage) error
}

// Deps groups the manager's collaborators.
type Deps struct {
	Calls     repository.CallStore
	Sessions  repository.ConversationStore
	Intents   repository.IntentRepository
	Contacts  repository.ContactRepository
	History   repository.HistoryStore
	Generator llm.Generator
	Locker    Locker
	Status    StatusPublisher
}

// Manager owns conversation sessions.
type Manager struct {
	deps     Deps
	cfg      config.ConversationConfig
	agent    prompt.Agent
	phrases  []string
	costPerK int64
	logger   *logger.Logger
	now      func() time.Time

	mu       sync.Mutex
	inflight map[uuid.UUID]struct{}
}

// NewManager constructs a conversation manager.
func NewManager(deps Deps, cfg config.ConversationConfig, llmCfg config.LLMConfig, log *logger.Logger) *Manager {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = defaultMaxTurns
	}
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = defaultGenerationTimeout
	}
	if cfg.LockTTL <= cfg.GenerationTimeout {
		cfg.LockTTL = cfg.GenerationTimeout + 15*time.Second
	}
	phrases := cfg.TerminalPhrases
	if len(phrases) == 0 {
		phrases = DefaultTerminalPhrases
	}
	agent := prompt.DefaultAgent
	if cfg.AgentName != "" {
		agent.Name = cfg.AgentName
	}
	if cfg.CompanyName != "" {
		agent.Company = cfg.CompanyName
	}
	return &Manager{
		deps:     deps,
		cfg:      cfg,
		agent:    agent,
		phrases:  phrases,
		costPerK: llmCfg.CostPerThousandTokensMicros,
		logger:   log.Named("conversation"),
		now:      func() time.Time { return time.Now().UTC() },
		inflight: make(map[uuid.UUID]struct{}),
	}
}

// Start opens the session of an answered call and returns the opening line.
// Calling it again for the same call returns the same opening.
func (m *Manager) Start(ctx context.Context, call *domain.Call) (Reply, error) {
	ctx, span := otel.Tracer("outbound.conversation").Start(ctx, "conversation.start", trace.WithAttributes(
		attribute.String("call.id", call.ID.String()),
	))
	defer span.End()

	intent, err := m.deps.Intents.Get(ctx, call.IntentID)
	if err != nil {
		return Reply{}, fmt.Errorf("conversation: load intent: %w", err)
	}
	contact, err := m.deps.Contacts.Get(ctx, call.ContactID)
	if err != nil {
		return Reply{}, fmt.Errorf("conversation: load contact: %w", err)
	}
	var history []domain.InteractionHistoryEntry
	if h, err := m.deps.History.Load(ctx, call.ContactID); err != nil {
		m.logger.WithContext(ctx).Warn("load interaction history", zap.Error(err))
	} else {
		history = h.Entries()
	}

	builder := prompt.For(intent.Purpose)
	input := prompt.Input{Agent: m.agent, Contact: contact, Context: intent.Config.Context, History: history}
	now := m.now()
	session := &domain.ConversationSession{
		ID:           uuid.New(),
		CallID:       call.ID,
		Purpose:      builder.Purpose(),
		SystemPrompt: builder.SystemPrompt(input),
		Status:       domain.SessionStatusActive,
		StartedAt:    now,
	}

	stored, created, err := m.deps.Sessions.Create(ctx, session)
	if err != nil {
		return Reply{}, fmt.Errorf("conversation: create session: %w", err)
	}
	if !created {
		if stored.Closed() {
			return Reply{}, fmt.Errorf("%w: conversation of call %s already ended", apperrors.ErrConflict, call.ID)
		}
		for _, t := range stored.Turns {
			if t.Speaker == domain.SpeakerAgent {
				return Reply{Text: t.Content}, nil
			}
		}
		session = stored
	}

	opening := builder.Opening(input)
	turn := domain.Turn{Speaker: domain.SpeakerAgent, Content: opening, Timestamp: now}
	session.Turns = append(session.Turns, turn)
	if err := m.deps.Sessions.AppendTurn(ctx, session, turn); err != nil {
		return Reply{}, fmt.Errorf("conversation: append opening: %w", err)
	}
	metrics.ConversationTurns.WithLabelValues(string(domain.SpeakerAgent)).Inc()

	sessionID := session.ID
	call.ConversationID = &sessionID
	if err := m.deps.Calls.Update(ctx, call); err != nil {
		return Reply{}, fmt.Errorf("conversation: link session: %w", err)
	}

	m.logger.WithContext(ctx).Info("conversation started",
		zap.String("call_id", call.ID.String()), zap.String("purpose", string(session.Purpose)))
	return Reply{Text: opening}, nil
}

// HandleUtterance records what the contact said and produces the agent's
// reply. Only one utterance per call is handled at a time; a concurrent one
// gets ErrConflict.
func (m *Manager) HandleUtterance(ctx context.Context, callID uuid.UUID, text string) (Reply, error) {
	ctx, span := otel.Tracer("outbound.conversation").Start(ctx, "conversation.utterance", trace.WithAttributes(
		attribute.String("call.id", callID.String()),
	))
	defer span.End()

	done, err := m.hold(ctx, callID)
	if err != nil {
		return Reply{}, err
	}
	defer done()

	session, err := m.openSession(ctx, callID)
	if err != nil {
		return Reply{}, err
	}

	text = strings.TrimSpace(text)
	if text != "" {
		turn := domain.Turn{Speaker: domain.SpeakerContact, Content: text, Timestamp: m.now()}
		session.Turns = append(session.Turns, turn)
		if err := m.deps.Sessions.AppendTurn(ctx, session, turn); err != nil {
			return Reply{}, fmt.Errorf("conversation: append contact turn: %w", err)
		}
		metrics.ConversationTurns.WithLabelValues(string(domain.SpeakerContact)).Inc()
	}

	if m.terminal(text) {
		if err := m.say(ctx, session, closingLine, 0, 0); err != nil {
			return Reply{}, err
		}
		if err := m.finish(ctx, session, domain.SessionStatusCompleted, ReasonContactPhrase, false); err != nil {
			return Reply{}, err
		}
		return Reply{Text: closingLine, Hangup: true}, nil
	}

	gctx, cancel := context.WithTimeout(ctx, m.cfg.GenerationTimeout)
	gen, err := m.deps.Generator.Generate(gctx, session.SystemPrompt, session.Turns)
	cancel()
	if err != nil {
		span.RecordError(err)
		m.logger.WithContext(ctx).Error("reply generation failed", zap.String("call_id", callID.String()), zap.Error(err))
		if ferr := m.finish(ctx, session, domain.SessionStatusError, ReasonGenerationError, true); ferr != nil {
			return Reply{}, errors.Join(err, ferr)
		}
		return Reply{Text: errorLine, Hangup: true}, nil
	}
	metrics.GenerationLatency.Observe(gen.Latency.Seconds())

	session.PromptTokens += gen.PromptTokens
	session.CompletionTokens += gen.CompletionTokens
	session.CostMicros += int64(gen.PromptTokens+gen.CompletionTokens) * m.costPerK / 1000
	if err := m.say(ctx, session, gen.Text, gen.CompletionTokens, gen.Latency); err != nil {
		return Reply{}, err
	}

	reason := ""
	switch {
	case m.terminal(gen.Text):
		reason = ReasonAgentPhrase
	case session.AgentTurns() >= m.cfg.MaxTurns:
		reason = ReasonMaxTurns
	}
	if reason != "" {
		if err := m.finish(ctx, session, domain.SessionStatusCompleted, reason, false); err != nil {
			return Reply{}, err
		}
		return Reply{Text: gen.Text, Hangup: true}, nil
	}
	return Reply{Text: gen.Text}, nil
}

// HandleSilence answers a gather that timed out without speech. The
// reprompt is an agent turn, so silence counts toward the turn budget, and
// the call ends after maxSilentPrompts reprompts in a row.
func (m *Manager) HandleSilence(ctx context.Context, callID uuid.UUID) (Reply, error) {
	ctx, span := otel.Tracer("outbound.conversation").Start(ctx, "conversation.silence", trace.WithAttributes(
		attribute.String("call.id", callID.String()),
	))
	defer span.End()

	done, err := m.hold(ctx, callID)
	if err != nil {
		return Reply{}, err
	}
	defer done()

	session, err := m.openSession(ctx, callID)
	if err != nil {
		return Reply{}, err
	}

	if silentPrompts(session) >= maxSilentPrompts || session.AgentTurns() >= m.cfg.MaxTurns {
		if err := m.say(ctx, session, closingLine, 0, 0); err != nil {
			return Reply{}, err
		}
		status := domain.SessionStatusCompleted
		if !hasContactTurn(session) {
			status = domain.SessionStatusTerminated
		}
		if err := m.finish(ctx, session, status, ReasonNoResponse, false); err != nil {
			return Reply{}, err
		}
		return Reply{Text: closingLine, Hangup: true}, nil
	}

	if err := m.say(ctx, session, silencePrompt, 0, 0); err != nil {
		return Reply{}, err
	}
	return Reply{Text: silencePrompt}, nil
}

// End closes the conversation after the provider reported hangup and
// announces the finished call. It is safe to call for calls that were never
// answered and for sessions that already ended.
func (m *Manager) End(ctx context.Context, callID uuid.UUID) error {
	session, err := m.deps.Sessions.GetByCall(ctx, callID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return m.publishFinished(ctx, callID, false)
	case err != nil:
		return fmt.Errorf("conversation: load session: %w", err)
	case session.Closed():
		return nil
	}

	status := domain.SessionStatusCompleted
	if !hasContactTurn(session) {
		status = domain.SessionStatusTerminated
	}
	return m.finish(ctx, session, status, ReasonHangup, false)
}

func (m *Manager) say(ctx context.Context, session *domain.ConversationSession, text string, tokens int, latency time.Duration) error {
	turn := domain.Turn{Speaker: domain.SpeakerAgent, Content: text, Timestamp: m.now(), Tokens: tokens, Latency: latency}
	session.Turns = append(session.Turns, turn)
	if err := m.deps.Sessions.AppendTurn(ctx, session, turn); err != nil {
		return fmt.Errorf("conversation: append agent turn: %w", err)
	}
	metrics.ConversationTurns.WithLabelValues(string(domain.SpeakerAgent)).Inc()
	return nil
}

func (m *Manager) finish(ctx context.Context, session *domain.ConversationSession, status domain.SessionStatus, reason string, needsReview bool) error {
	now := m.now()
	session.Status = status
	session.EndReason = reason
	session.EndedAt = &now
	if err := m.deps.Sessions.Close(ctx, session); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil
		}
		return fmt.Errorf("conversation: close session: %w", err)
	}
	m.logger.WithContext(ctx).Info("conversation ended",
		zap.String("call_id", session.CallID.String()),
		zap.String("status", string(status)),
		zap.String("reason", reason),
		zap.Int("turns", len(session.Turns)),
	)
	return m.publishFinished(ctx, session.CallID, needsReview)
}

func (m *Manager) publishFinished(ctx context.Context, callID uuid.UUID, needsReview bool) error {
	call, err := m.deps.Calls.Get(ctx, callID)
	if err != nil {
		return fmt.Errorf("conversation: load call: %w", err)
	}
	if needsReview && !call.NeedsReview {
		call.NeedsReview = true
		if err := m.deps.Calls.Update(ctx, call); err != nil {
			return fmt.Errorf("conversation: flag call for review: %w", err)
		}
	}
	msg := queue.StatusMessage{
		Event:          queue.EventCallFinished,
		CallID:         call.ID,
		IntentID:       call.IntentID,
		ContactID:      call.ContactID,
		CampaignID:     call.CampaignID,
		ProviderCallID: call.ProviderCallID,
		Status:         string(call.Status),
		NeedsReview:    call.NeedsReview,
		DurationMs:     call.Duration().Milliseconds(),
		OccurredAt:     m.now(),
	}
	if err := m.deps.Status.PublishStatus(ctx, msg); err != nil {
		return fmt.Errorf("conversation: publish call finished: %w", err)
	}
	return nil
}

func (m *Manager) terminal(text string) bool {
	lower := strings.ToLower(text)
	if lower == "" {
		return false
	}
	for _, p := range m.phrases {
		if containsPhrase(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// containsPhrase matches p on word boundaries so "bye" does not match "maybe".
func containsPhrase(text, p string) bool {
	for i := 0; ; {
		j := strings.Index(text[i:], p)
		if j < 0 {
			return false
		}
		start, end := i+j, i+j+len(p)
		if (start == 0 || !isWordByte(text[start-1])) && (end == len(text) || !isWordByte(text[end])) {
			return true
		}
		i = start + 1
	}
}

func isWordByte(b byte) bool {
	return b == '\'' || b >= 'a' && b <= 'z' || b >= '0' && b <= '9'
}

func hasContactTurn(s *domain.ConversationSession) bool {
	for _, t := range s.Turns {
		if t.Speaker == domain.SpeakerContact {
			return true
		}
	}
	return false
}

// silentPrompts counts the reprompts since the contact last spoke: every
// agent turn after the latest contact turn except the first.
func silentPrompts(s *domain.ConversationSession) int {
	n := 0
	for i := len(s.Turns) - 1; i >= 0 && s.Turns[i].Speaker == domain.SpeakerAgent; i-- {
		n++
	}
	return max(n-1, 0)
}

// hold takes the in-process guard and the cross-process generation lock of
// a call. A second holder gets ErrConflict.
func (m *Manager) hold(ctx context.Context, callID uuid.UUID) (func(), error) {
	if !m.enter(callID) {
		return nil, fmt.Errorf("%w: reply already in flight for call %s", apperrors.ErrConflict, callID)
	}
	release, err := m.deps.Locker.Acquire(ctx, concurrency.GenerationLockKey(callID), m.cfg.LockTTL)
	if err != nil {
		m.leave(callID)
		return nil, fmt.Errorf("conversation: acquire lock: %w", err)
	}
	if release == nil {
		m.leave(callID)
		return nil, fmt.Errorf("%w: reply already in flight for call %s", apperrors.ErrConflict, callID)
	}
	return func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			m.logger.Warn("release generation lock", zap.Error(err))
		}
		m.leave(callID)
	}, nil
}

func (m *Manager) openSession(ctx context.Context, callID uuid.UUID) (*domain.ConversationSession, error) {
	session, err := m.deps.Sessions.GetByCall(ctx, callID)
	if err != nil {
		return nil, fmt.Errorf("conversation: load session: %w", err)
	}
	if session.Closed() {
		return nil, fmt.Errorf("%w: conversation of call %s already ended", apperrors.ErrConflict, callID)
	}
	return session, nil
}

func (m *Manager) enter(callID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.inflight[callID]; busy {
		return false
	}
	m.inflight[callID] = struct{}{}
	return true
}

func (m *Manager) leave(callID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inflight, callID)
}
