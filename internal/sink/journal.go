package sink

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-chatbox/internal/eventstore"
)

// Journal records forwarded transcripts in the event store.
type Journal struct {
	store *eventstore.Store
	runID string
}

func NewJournal(store *eventstore.Store, runID string) *Journal {
	return &Journal{store: store, runID: runID}
}

func (j *Journal) Send(ctx context.Context, text string, _ bool) error {
	if err := j.store.AppendTranscript(ctx, j.runID, text); err != nil {
		return fmt.Errorf("journal transcript: %w", err)
	}
	return nil
}

// Close is a no-op; the store is owned by the caller.
func (j *Journal) Close() error { return nil }
