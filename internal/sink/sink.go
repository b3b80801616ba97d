// Package sink delivers finalized transcripts to downstream consumers.
package sink

import (
	"context"
	"errors"
)

// Sink accepts a text payload and a boolean flag. Delivery is fire-and-forget.
type Sink interface {
	Send(ctx context.Context, text string, flag bool) error
	Close() error
}

// Multi fans every message out to each sink in order.
type Multi []Sink

func (m Multi) Send(ctx context.Context, text string, flag bool) error {
	var errs []error
	for _, s := range m {
		if err := s.Send(ctx, text, flag); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
