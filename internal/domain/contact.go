package domain

import (
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

var phonePattern = regexp.MustCompile(`^\+?1?\d{9,15}$`)

// ValidPhoneNumber reports whether s looks like a dialable number.
func ValidPhoneNumber(s string) bool {
	return phonePattern.MatchString(s)
}

// Contact is the read model of a CRM contact.
type Contact struct {
	ID            uuid.UUID
	FirstName     string
	LastName      string
	PhoneNumber   string
	Company       string
	JobTitle      string
	TimeZone      string
	DoNotCall     bool
	LastContacted *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// FullName joins first and last names.
func (c *Contact) FullName() string {
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}

// InterestLevel grades how engaged the contact was.
type InterestLevel string

const (
	InterestHigh   InterestLevel = "high"
	InterestMedium InterestLevel = "medium"
	InterestLow    InterestLevel = "low"
	InterestNone   InterestLevel = "none"
)

// InteractionHistoryEntry is an immutable record of one completed call.
type InteractionHistoryEntry struct {
	CallID        uuid.UUID
	Outcome       PrimaryOutcome
	InterestLevel InterestLevel
	Concerns      []string
	NextAction    NextAction
	OccurredAt    time.Time
}

// DefaultHistoryCap is the number of entries kept per contact.
const DefaultHistoryCap = 10

// History is a contact's capped interaction log, oldest first.
type History struct {
	cap     int
	entries []InteractionHistoryEntry
}

// NewHistory builds a history capped at limit, keeping the newest entries.
func NewHistory(limit int, entries ...InteractionHistoryEntry) *History {
	if limit <= 0 {
		limit = DefaultHistoryCap
	}
	h := &History{cap: limit}
	for _, e := range entries {
		h.Append(e)
	}
	return h
}

// Append adds an entry, evicting the oldest when full.
func (h *History) Append(e InteractionHistoryEntry) {
	if len(h.entries) == h.cap {
		copy(h.entries, h.entries[1:])
		h.entries = h.entries[:h.cap-1]
	}
	h.entries = append(h.entries, e)
}

// Entries returns a copy of the entries, oldest first.
func (h *History) Entries() []InteractionHistoryEntry {
	out := make([]InteractionHistoryEntry, len(h.entries))
	copy(out, h.entries)
	return out
}

// Latest returns the newest entry.
func (h *History) Latest() (InteractionHistoryEntry, bool) {
	if len(h.entries) == 0 {
		return InteractionHistoryEntry{}, false
	}
	return h.entries[len(h.entries)-1], true
}

// Len returns the number of entries.
func (h *History) Len() int {
	return len(h.entries)
}

// ContactNote is an audit note attached to a contact.
type ContactNote struct {
	ID        uuid.UUID
	ContactID uuid.UUID
	CallID    uuid.UUID
	Title     string
	Content   string
	NoteType  string
	CreatedAt time.Time
}
