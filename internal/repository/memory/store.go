// Package memory implements the repository interfaces in process. It mirrors
// the conditional-update semantics of the Postgres and Scylla stores and backs
// the service tests.
package memory

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acme/outbound-call-engine/internal/domain"
)

type linkKey struct {
	campaignID uuid.UUID
	contactID  uuid.UUID
}

type counterKey struct {
	campaignID uuid.UUID
	kind       string
	bucket     int64
}

// Store holds every table behind one mutex.
type Store struct {
	mu sync.Mutex

	seq       int64
	intents   map[uuid.UUID]*domain.CallIntent
	campaigns map[uuid.UUID]*domain.Campaign
	windows   map[uuid.UUID]domain.CallingWindow
	links     map[linkKey]*domain.CampaignContactLink
	contacts  map[uuid.UUID]*domain.Contact
	notes     []*domain.ContactNote
	counters  map[counterKey]int64
	counted   map[uuid.UUID]struct{}

	calls         map[uuid.UUID]*domain.Call
	callsByIntent map[uuid.UUID]uuid.UUID
	attempts      map[uuid.UUID][]domain.CallAttempt
	sessions      map[uuid.UUID]*domain.ConversationSession
	history       map[uuid.UUID]*domain.History
	historyCap    int
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		intents:       make(map[uuid.UUID]*domain.CallIntent),
		campaigns:     make(map[uuid.UUID]*domain.Campaign),
		windows:       make(map[uuid.UUID]domain.CallingWindow),
		links:         make(map[linkKey]*domain.CampaignContactLink),
		contacts:      make(map[uuid.UUID]*domain.Contact),
		counters:      make(map[counterKey]int64),
		counted:       make(map[uuid.UUID]struct{}),
		calls:         make(map[uuid.UUID]*domain.Call),
		callsByIntent: make(map[uuid.UUID]uuid.UUID),
		attempts:      make(map[uuid.UUID][]domain.CallAttempt),
		sessions:      make(map[uuid.UUID]*domain.ConversationSession),
		history:       make(map[uuid.UUID]*domain.History),
		historyCap:    domain.DefaultHistoryCap,
	}
}

func (s *Store) Intents() *IntentRepository { return &IntentRepository{s: s} }
func (s *Store) Campaigns() *CampaignRepository { return &CampaignRepository{s: s} }
func (s *Store) Windows() *CallingWindowRepository { return &CallingWindowRepository{s: s} }
func (s *Store) Links() *LinkRepository { return &LinkRepository{s: s} }
func (s *Store) Contacts() *ContactRepository { return &ContactRepository{s: s} }
func (s *Store) Notes() *NoteRepository { return &NoteRepository{s: s} }
func (s *Store) Counters() *CounterRepository { return &CounterRepository{s: s} }
func (s *Store) Calls() *CallStore { return &CallStore{s: s} }
func (s *Store) Conversations() *ConversationStore { return &ConversationStore{s: s} }
func (s *Store) History() *HistoryStore { return &HistoryStore{s: s} }

// PutContact seeds a contact.
func (s *Store) PutContact(c *domain.Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.contacts[c.ID] = &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyUUID(id *uuid.UUID) *uuid.UUID {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}
