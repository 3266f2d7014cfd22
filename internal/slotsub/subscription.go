// Package slotsub subscribes to a node's slotsUpdates websocket feed and
// exposes it as a slots.Source.
package slotsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gateway-fm/leaderprobe/internal/slots"
)

// ErrFeedClosed is wrapped by the terminal error when the node closes the socket.
var ErrFeedClosed = errors.New("slot subscription closed by remote")

const (
	subscribeMethod    = "slotsUpdatesSubscribe"
	unsubscribeMethod  = "slotsUpdatesUnsubscribe"
	notificationMethod = "slotsUpdatesNotification"
)

// Config configures a Subscription.
type Config struct {
	URL string
	// HandshakeTimeout bounds dialing plus the subscribe confirmation.
	HandshakeTimeout time.Duration
	// Buffer is the capacity of the events channel.
	Buffer int
	Logger *slog.Logger
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig(url string) Config {
	return Config{
		URL:              url,
		HandshakeTimeout: 10 * time.Second,
		Buffer:           256,
	}
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// message covers both the subscribe reply and notifications.
type message struct {
	ID     *int      `json:"id"`
	Result *uint64   `json:"result"`
	Error  *rpcError `json:"error"`
	Method string    `json:"method"`
	Params *struct {
		Subscription uint64 `json:"subscription"`
		Result       struct {
			Slot      uint64 `json:"slot"`
			Parent    uint64 `json:"parent"`
			Timestamp int64  `json:"timestamp"`
			Type      string `json:"type"`
		} `json:"result"`
	} `json:"params"`
}

// Subscription is a live slotsUpdates feed. It does not reconnect: any
// read failure closes Events and is reported by Err.
type Subscription struct {
	conn   *websocket.Conn
	subID  uint64
	events chan slots.Event
	logger *slog.Logger

	mu        sync.Mutex
	err       error
	closeOnce sync.Once
	done      chan struct{}
}

var _ slots.Source = (*Subscription)(nil)

// Subscribe dials the websocket endpoint, issues slotsUpdatesSubscribe and
// waits for the subscription id. Cancelling ctx tears the connection down.
func Subscribe(ctx context.Context, cfg Config) (*Subscription, error) {
	if cfg.URL == "" {
		return nil, errors.New("websocket URL is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.URL, err)
	}

	subID, err := subscribe(conn, cfg.HandshakeTimeout)
	if err != nil {
		conn.Close()
		return nil, err
	}

	s := &Subscription{
		conn:   conn,
		subID:  subID,
		events: make(chan slots.Event, cfg.Buffer),
		logger: cfg.Logger,
		done:   make(chan struct{}),
	}
	cfg.Logger.Info("subscribed to slot updates", "url", cfg.URL, "subscription", subID)

	go s.readLoop(ctx)
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()
	return s, nil
}

func subscribe(conn *websocket.Conn, timeout time.Duration) (uint64, error) {
	deadline := time.Now().Add(timeout)
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return 0, err
	}
	if err := conn.WriteJSON(request{JSONRPC: "2.0", ID: 1, Method: subscribeMethod}); err != nil {
		return 0, fmt.Errorf("send %s: %w", subscribeMethod, err)
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return 0, err
	}

	// Notifications may race the reply on some nodes; skip until the id matches.
	for {
		var msg message
		if err := conn.ReadJSON(&msg); err != nil {
			return 0, fmt.Errorf("read %s reply: %w", subscribeMethod, err)
		}
		if msg.ID == nil || *msg.ID != 1 {
			continue
		}
		if msg.Error != nil {
			return 0, fmt.Errorf("%s rejected: %d %s", subscribeMethod, msg.Error.Code, msg.Error.Message)
		}
		if msg.Result == nil {
			return 0, fmt.Errorf("%s reply carried no subscription id", subscribeMethod)
		}
		if err := conn.SetReadDeadline(time.Time{}); err != nil {
			return 0, err
		}
		return *msg.Result, nil
	}
}

// Events returns the notification channel, closed when the feed ends.
func (s *Subscription) Events() <-chan slots.Event {
	return s.events
}

// Err returns why the feed ended. Nil while running or after Close.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close unsubscribes (best effort) and closes the socket. Safe to call
// more than once.
func (s *Subscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = s.conn.WriteJSON(request{JSONRPC: "2.0", ID: 2, Method: unsubscribeMethod, Params: []any{s.subID}})
		_ = s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		err = s.conn.Close()
	})
	return err
}

func (s *Subscription) readLoop(ctx context.Context) {
	defer close(s.events)

	for {
		var msg message
		if err := s.conn.ReadJSON(&msg); err != nil {
			s.fail(ctx, err)
			return
		}
		if msg.Method != notificationMethod || msg.Params == nil {
			continue
		}

		r := msg.Params.Result
		ev := slots.Event{
			Kind:      slots.KindFromType(r.Type),
			Slot:      r.Slot,
			Parent:    r.Parent,
			Timestamp: r.Timestamp,
			Type:      r.Type,
		}
		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

func (s *Subscription) fail(ctx context.Context, err error) {
	select {
	case <-s.done:
		// Closed locally or via ctx; not a feed failure.
		return
	default:
	}
	if ctx.Err() != nil {
		return
	}

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
		err = fmt.Errorf("%w: %v", ErrFeedClosed, err)
	} else {
		err = fmt.Errorf("slot subscription read: %w", err)
	}
	s.logger.Error("slot subscription failed", "error", err)

	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}
