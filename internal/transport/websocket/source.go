// Package websocket pulls envelopes from a WebSocket delivery endpoint and
// feeds them to the intake queue.
//
// Server → client envelope frame:
//
//	{"type":"envelope","source_service_id":"...","source_device_id":1,
//	 "client_timestamp":...,"server_timestamp":...,"source_phone":"...",
//	 "conversation_id":"...","ciphertext":"<base64>"}
//
// Client → server ack frame (sent once the envelope is queued locally):
//
//	{"type":"ack","client_timestamp":...,"source_service_id":"..."}
//
// The ack only acknowledges transport receipt. Processing is at-least-once:
// the server may redeliver acked envelopes after a reconnect, and the dedup
// ledger downstream makes that safe.
package websocket

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/snehjoshi/envelopeq/internal/intake"
	"github.com/snehjoshi/envelopeq/internal/types"
)

// reconnectBase and reconnectMax bound the redial backoff.
const (
	reconnectBase = time.Second
	reconnectMax  = 30 * time.Second
)

// fullRetryDelay is how long Run waits before re-offering an envelope that
// the intake queue rejected for capacity.
const fullRetryDelay = 250 * time.Millisecond

// Config tunes the source.
type Config struct {
	// URL is the WebSocket endpoint to dial, e.g. "wss://host/v1/envelopes".
	URL string
	// MaxRate is envelopes per second accepted per sending device.
	MaxRate int
	// Burst allows temporary spikes above MaxRate.
	Burst int
	// ReadLimitBytes caps a single transport frame.
	ReadLimitBytes int64
}

// envelopeFrame is the JSON structure the server sends to the client.
type envelopeFrame struct {
	Type            string `json:"type"` // "envelope"
	SourceServiceID string `json:"source_service_id"`
	SourceDeviceID  uint32 `json:"source_device_id"`
	ClientTimestamp int64  `json:"client_timestamp"`
	ServerTimestamp int64  `json:"server_timestamp"`
	SourcePhone     string `json:"source_phone,omitempty"`
	ConversationID  string `json:"conversation_id"`
	Ciphertext      string `json:"ciphertext"` // base64
}

// ackFrame is the JSON structure the client sends back to the server.
type ackFrame struct {
	Type            string `json:"type"` // "ack"
	ClientTimestamp int64  `json:"client_timestamp"`
	SourceServiceID string `json:"source_service_id"`
}

// Source maintains the connection and feeds the intake queue.
type Source struct {
	log   *slog.Logger
	queue *intake.Queue
	cfg   Config

	// limiters holds one token bucket per sending device, created on first
	// frame from that device. Entries are never evicted; device identities
	// for one account are a small, stable set.
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New creates a Source. Call Run to start receiving.
func New(log *slog.Logger, queue *intake.Queue, cfg Config) *Source {
	return &Source{
		log:      log,
		queue:    queue,
		cfg:      cfg,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Run dials the endpoint and pumps envelopes until ctx is cancelled,
// redialing with exponential backoff on connection loss.
func (s *Source) Run(ctx context.Context) error {
	delay := reconnectBase
	for {
		err := s.runConn(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.log.Warn("transport: connection lost, redialing",
			"url", s.cfg.URL, "delay", delay, "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > reconnectMax {
			delay = reconnectMax
		}
	}
}

// runConn handles a single connection lifetime.
func (s *Source) runConn(ctx context.Context) error {
	conn, _, err := gorillaws.DefaultDialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", s.cfg.URL, err)
	}
	defer conn.Close()
	conn.SetReadLimit(s.cfg.ReadLimitBytes)

	// Close the connection when ctx is cancelled so ReadMessage unblocks.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	s.log.Info("transport: connected", "url", s.cfg.URL)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("transport: read: %w", err)
		}

		var frame envelopeFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			s.log.Warn("transport: unparseable frame dropped", "err", err)
			continue
		}
		if frame.Type != "envelope" {
			continue
		}

		env, err := frame.toEnvelope()
		if err != nil {
			s.log.Warn("transport: invalid envelope frame dropped", "err", err)
			continue
		}

		// Per-device rate limit: a runaway sender slows its own delivery
		// stream down without starving other devices.
		if err := s.limiter(env.Identity.SourceServiceID, env.Identity.SourceDeviceID).Wait(ctx); err != nil {
			return err
		}

		if err := s.offer(ctx, env); err != nil {
			return err
		}

		ack := ackFrame{
			Type:            "ack",
			ClientTimestamp: env.Identity.ClientTimestamp,
			SourceServiceID: env.Identity.SourceServiceID,
		}
		data, _ := json.Marshal(ack)
		if err := conn.WriteMessage(gorillaws.TextMessage, data); err != nil {
			return fmt.Errorf("transport: write ack: %w", err)
		}
	}
}

// offer enqueues env, waiting out transient backpressure. The envelope is
// acked to the server only after this returns nil, so pausing here pushes
// backpressure all the way to the delivery service.
func (s *Source) offer(ctx context.Context, env types.Envelope) error {
	for {
		err := s.queue.Enqueue(env)
		if err == nil {
			return nil
		}
		if !errors.Is(err, intake.ErrQueueFull) {
			return fmt.Errorf("transport: enqueue: %w", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(fullRetryDelay):
		}
	}
}

func (s *Source) limiter(serviceID string, deviceID uint32) *rate.Limiter {
	key := fmt.Sprintf("%s/%d", serviceID, deviceID)

	s.mu.Lock()
	defer s.mu.Unlock()
	lim, ok := s.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(s.cfg.MaxRate), s.cfg.Burst)
		s.limiters[key] = lim
	}
	return lim
}

func (f envelopeFrame) toEnvelope() (types.Envelope, error) {
	ct, err := base64.StdEncoding.DecodeString(f.Ciphertext)
	if err != nil {
		return types.Envelope{}, fmt.Errorf("decode ciphertext: %w", err)
	}

	env := types.Envelope{
		Identity: types.EnvelopeIdentity{
			SourceServiceID: f.SourceServiceID,
			SourceDeviceID:  f.SourceDeviceID,
			ClientTimestamp: f.ClientTimestamp,
		},
		SourcePhone:     f.SourcePhone,
		ServerTimestamp: f.ServerTimestamp,
		ConversationID:  f.ConversationID,
		Ciphertext:      ct,
	}
	if env.Identity.IsZero() {
		return types.Envelope{}, fmt.Errorf("frame missing envelope identity")
	}
	return env, nil
}
