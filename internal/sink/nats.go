package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-chatbox/internal/bus"
	"github.com/loqalabs/loqa-chatbox/internal/protocol"
)

// NATS mirrors transcripts onto a bus subject as protocol.Transcript JSON.
type NATS struct {
	bus     *bus.Client
	subject string
	runID   string
}

func NewNATS(client *bus.Client, subject, runID string) *NATS {
	return &NATS{bus: client, subject: subject, runID: runID}
}

func (n *NATS) Send(_ context.Context, text string, flag bool) error {
	data, err := json.Marshal(protocol.Transcript{
		RunID:     n.runID,
		Text:      text,
		Final:     flag,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}
	if err := n.bus.Conn().Publish(n.subject, data); err != nil {
		return fmt.Errorf("publish transcript: %w", err)
	}
	return nil
}

// Close flushes pending publishes; the connection itself is owned by the caller.
func (n *NATS) Close() error {
	return n.bus.Conn().Flush()
}
