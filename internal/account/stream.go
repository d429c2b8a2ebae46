package account

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"hl-cycle-bot/internal/hl/ws"

	"go.uber.org/zap"
)

// ErrStreamConnect marks a failed subscription establishment. The stream does
// not retry on its own; the caller decides when to reconnect.
var ErrStreamConnect = errors.New("stream connect failed")

// Handlers receive stream events. OnSnapshot and OnAssets fire on the read
// goroutine before the evaluation trigger; OnTrigger fires on the stream's
// single consumer goroutine, so evaluations are serialized. Triggers arriving
// while one is being handled coalesce into a single follow-up trigger.
type Handlers struct {
	OnSnapshot func(Snapshot)
	OnAssets   func([]AssetDescriptor)
	OnTrigger  func(ctx context.Context, kind string)
	OnError    func(error)
}

// Stream owns the three account subscriptions (webData2, orderUpdates,
// userEvents) for one address and their connect/teardown lifecycle.
type Stream struct {
	wsURL        string
	dialTimeout  time.Duration
	pingInterval time.Duration
	handlers     Handlers
	log          *zap.Logger

	mu        sync.Mutex
	address   string
	client    *ws.Client
	runCancel context.CancelFunc

	connected atomic.Bool
	started   atomic.Bool
	kick      chan string
}

func NewStream(wsURL string, dialTimeout, pingInterval time.Duration, address string, handlers Handlers, log *zap.Logger) *Stream {
	return &Stream{
		wsURL:        wsURL,
		dialTimeout:  dialTimeout,
		pingInterval: pingInterval,
		address:      address,
		handlers:     handlers,
		log:          log,
		kick:         make(chan string, 1),
	}
}

// Start launches the consumer loop that serializes evaluation triggers.
// Safe to call once; subsequent calls are no-ops.
func (s *Stream) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case kind := <-s.kick:
				if s.handlers.OnTrigger != nil {
					s.handlers.OnTrigger(ctx, kind)
				}
			}
		}
	}()
}

// SetAddress changes the subscribed account. Takes effect on the next
// Connect call.
func (s *Stream) SetAddress(address string) {
	s.mu.Lock()
	s.address = address
	s.mu.Unlock()
}

// Connect tears down any existing subscriptions, establishes a fresh
// transport, and resubscribes all three topics. Connected reports true only
// after every subscription succeeded.
func (s *Stream) Connect(ctx context.Context) error {
	s.Close(ctx)

	s.mu.Lock()
	address := s.address
	s.mu.Unlock()
	if address == "" {
		return fmt.Errorf("%w: account address is required", ErrStreamConnect)
	}

	client := ws.New(s.wsURL, s.dialTimeout, s.pingInterval, s.log)
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStreamConnect, err)
	}
	for _, sub := range subscriptions(address) {
		if err := client.Subscribe(ctx, sub); err != nil {
			client.Close()
			return fmt.Errorf("%w: subscribe %s: %v", ErrStreamConnect, sub["type"], err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.client = client
	s.runCancel = cancel
	s.mu.Unlock()
	s.connected.Store(true)

	go func() {
		err := client.Run(runCtx, s.handleMessage)
		s.connected.Store(false)
		if err != nil && runCtx.Err() == nil && s.handlers.OnError != nil {
			s.handlers.OnError(err)
		}
	}()
	return nil
}

// Close unsubscribes all three topics best-effort and drops the transport.
func (s *Stream) Close(ctx context.Context) {
	s.mu.Lock()
	client := s.client
	cancel := s.runCancel
	address := s.address
	s.client = nil
	s.runCancel = nil
	s.mu.Unlock()
	if client == nil {
		return
	}
	for _, sub := range subscriptions(address) {
		if err := client.Unsubscribe(ctx, sub); err != nil && s.log != nil {
			s.log.Warn("unsubscribe failed", zap.Any("subscription", sub["type"]), zap.Error(err))
		}
	}
	if cancel != nil {
		cancel()
	}
	client.Close()
	s.connected.Store(false)
}

func (s *Stream) Connected() bool {
	return s.connected.Load()
}

func subscriptions(address string) []map[string]any {
	return []map[string]any{
		{"type": "webData2", "user": address},
		{"type": "orderUpdates", "user": address},
		{"type": "userEvents", "user": address},
	}
}

func (s *Stream) handleMessage(raw json.RawMessage) {
	var msg wsMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		if s.log != nil {
			s.log.Debug("stream decode failed", zap.Error(err))
		}
		return
	}
	switch msg.Channel {
	case "webData2":
		snap, err := parseWebData2(msg.Data)
		if err != nil {
			if s.log != nil {
				s.log.Debug("webData2 decode failed", zap.Error(err))
			}
			return
		}
		if snap == nil {
			return
		}
		if s.handlers.OnSnapshot != nil {
			s.handlers.OnSnapshot(*snap)
		}
		if snap.Universe != nil && s.handlers.OnAssets != nil {
			s.handlers.OnAssets(snap.Universe)
		}
		s.trigger("webdata")
	case "orderUpdates":
		s.trigger("order")
	case "userEvents", "user":
		if userEventQualifies(msg.Data) {
			s.trigger("fill")
		}
	}
}

// trigger coalesces: a trigger arriving while the consumer is busy and one is
// already pending is dropped, and the pending one re-evaluates against the
// freshest cached snapshot.
func (s *Stream) trigger(kind string) {
	select {
	case s.kick <- kind:
	default:
	}
}
