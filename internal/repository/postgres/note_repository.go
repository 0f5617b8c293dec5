package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/outbound-call-engine/internal/domain"
)

// NoteRepository stores contact audit notes.
type NoteRepository struct {
	db *sqlx.DB
}

// NewNoteRepository constructs the repository.
func NewNoteRepository(db *sqlx.DB) *NoteRepository {
	return &NoteRepository{db: db}
}

// Create inserts a note; a second note of the same type for the same call is ignored.
func (r *NoteRepository) Create(ctx context.Context, note *domain.ContactNote) error {
	q := `INSERT INTO contact_notes (id, contact_id, call_id, title, content, note_type, created_at)
		VALUES (:id, :contact_id, :call_id, :title, :content, :note_type, :created_at)
		ON CONFLICT (call_id, note_type) DO NOTHING`
	params := map[string]any{
		"id":         note.ID,
		"contact_id": note.ContactID,
		"call_id":    note.CallID,
		"title":      note.Title,
		"content":    note.Content,
		"note_type":  note.NoteType,
		"created_at": note.CreatedAt,
	}
	if _, err := r.db.NamedExecContext(ctx, q, params); err != nil {
		return fmt.Errorf("note repo: insert: %w", err)
	}
	return nil
}

// ListByCall returns the notes that reference a call.
func (r *NoteRepository) ListByCall(ctx context.Context, callID uuid.UUID) ([]*domain.ContactNote, error) {
	var records []struct {
		ID        uuid.UUID `db:"id"`
		ContactID uuid.UUID `db:"contact_id"`
		CallID    uuid.UUID `db:"call_id"`
		Title     string    `db:"title"`
		Content   string    `db:"content"`
		NoteType  string    `db:"note_type"`
		CreatedAt time.Time `db:"created_at"`
	}
	if err := r.db.SelectContext(ctx, &records, `SELECT id, contact_id, call_id, title, content, note_type, created_at
		FROM contact_notes WHERE call_id = $1 ORDER BY created_at ASC`, callID); err != nil {
		return nil, fmt.Errorf("note repo: list: %w", err)
	}
	notes := make([]*domain.ContactNote, 0, len(records))
	for _, rec := range records {
		notes = append(notes, &domain.ContactNote{
			ID:        rec.ID,
			ContactID: rec.ContactID,
			CallID:    rec.CallID,
			Title:     rec.Title,
			Content:   rec.Content,
			NoteType:  rec.NoteType,
			CreatedAt: rec.CreatedAt,
		})
	}
	return notes, nil
}
