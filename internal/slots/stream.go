package slots

import (
	"context"
	"errors"
	"log/slog"
)

// ErrFeedEnded is reported when the event source closes without an error.
var ErrFeedEnded = errors.New("slot event feed ended")

// Source is a live feed of slot events. Events is closed when the feed
// terminates; Err then returns the cause.
type Source interface {
	Events() <-chan Event
	Err() error
}

// Stream drives a Filter over a Source and exposes the qualifying slots
// as a channel. It never terminates on its own: the caller stops reading
// and cancels the context. A Stream cannot be restarted; create a new one.
type Stream struct {
	out    chan uint64
	done   chan struct{}
	err    error
	filter *Filter
	logger *slog.Logger
}

// NewStream starts consuming src. Emitted slots are strictly increasing.
func NewStream(ctx context.Context, src Source, filter *Filter, logger *slog.Logger) *Stream {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Stream{
		out:    make(chan uint64),
		done:   make(chan struct{}),
		filter: filter,
		logger: logger,
	}
	go s.run(ctx, src)
	return s
}

// Slots returns the channel of qualifying slots. It is closed when the
// context is cancelled or the source fails.
func (s *Stream) Slots() <-chan uint64 {
	return s.out
}

// Err returns the terminal error of the feed, or nil if the stream was
// stopped by its context. Only valid after Slots is closed.
func (s *Stream) Err() error {
	<-s.done
	return s.err
}

func (s *Stream) run(ctx context.Context, src Source) {
	defer close(s.done)
	defer close(s.out)

	events := src.Events()
	for {
		var (
			ev Event
			ok bool
		)
		select {
		case <-ctx.Done():
			return
		case ev, ok = <-events:
		}
		if !ok {
			if ctx.Err() != nil {
				return
			}
			s.err = src.Err()
			if s.err == nil {
				s.err = ErrFeedEnded
			}
			s.logger.Error("slot feed terminated", "error", s.err, "watermark", s.filter.Watermark())
			return
		}

		slot, qualified := s.filter.Observe(ev)
		if !qualified {
			continue
		}
		s.logger.Debug("slot qualified", "slot", slot, "event", ev.Type)

		select {
		case s.out <- slot:
		case <-ctx.Done():
			return
		}
	}
}
