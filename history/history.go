package history

import (
	"context"
	"time"

	"github.com/finrag/finrag/pipeline"
)

// Entry is one answered query.
type Entry struct {
	ID         string    `bson:"_id" json:"id"`
	SessionID  string    `bson:"session_id" json:"session_id"`
	Query      string    `bson:"query" json:"query"`
	Answer     string    `bson:"answer" json:"answer"`
	Citations  int       `bson:"citations" json:"citations"`
	BestEffort bool      `bson:"best_effort" json:"best_effort"`
	OutOfScope bool      `bson:"out_of_scope" json:"out_of_scope"`
	DurationMS int64     `bson:"duration_ms" json:"duration_ms"`
	CreatedAt  time.Time `bson:"created_at" json:"created_at"`
}

// Store records answered queries. Recording is best-effort for callers: a
// failed write must never fail the request that produced the answer.
type Store interface {
	Record(ctx context.Context, entry Entry) error
	Recent(ctx context.Context, sessionID string, limit int) ([]Entry, error)
	Ping(ctx context.Context) error
}

// NewEntry builds a history entry from an answered query.
func NewEntry(id, sessionID, query string, answer pipeline.Answer, took time.Duration) Entry {
	return Entry{
		ID:         id,
		SessionID:  sessionID,
		Query:      query,
		Answer:     answer.Text,
		Citations:  len(answer.Citations),
		BestEffort: answer.BestEffort,
		OutOfScope: answer.OutOfScope,
		DurationMS: took.Milliseconds(),
		CreatedAt:  time.Now().UTC(),
	}
}
