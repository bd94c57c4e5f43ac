// Package forward relays live group messages across the configured mappings.
package forward

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/wabridge/internal/bus"
	"github.com/matheus3301/wabridge/internal/chat"
	"github.com/matheus3301/wabridge/internal/store"
)

// ErrNoClient is returned when no chat client is connected.
var ErrNoClient = errors.New("chat client not connected")

// ClientProvider hands out the current chat client, or nil when there is none.
type ClientProvider interface {
	Client() chat.Client
}

// Config tunes the forwarder.
type Config struct {
	SelfSentTTL time.Duration
	DedupTTL    time.Duration
	DedupPrefix int
	SendTimeout time.Duration
	Location    *time.Location
	// Now overrides the guard clock.
	Now Clock
}

// Forwarded is the payload of bus.KindForwarded and bus.KindForwardFailed.
type Forwarded struct {
	MappingID int64           `json:"mapping_id"`
	Direction store.Direction `json:"direction"`
	MsgID     string          `json:"msg_id"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Error     string          `json:"error,omitempty"`
}

// Forwarder consumes chat.message events and relays them.
type Forwarder struct {
	db       *store.DB
	clients  ClientProvider
	bus      *bus.Bus
	cfg      Config
	logger   *zap.Logger
	selfSent *SelfSent
	dedup    *Dedup
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a forwarder.
func New(db *store.DB, clients ClientProvider, b *bus.Bus, cfg Config, logger *zap.Logger) *Forwarder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Forwarder{
		db:       db,
		clients:  clients,
		bus:      b,
		cfg:      cfg,
		logger:   logger,
		selfSent: NewSelfSent(cfg.SelfSentTTL, cfg.Now),
		dedup:    NewDedup(cfg.DedupTTL, cfg.DedupPrefix, cfg.Now),
	}
}

// Start subscribes to inbound messages on the bus.
func (f *Forwarder) Start(ctx context.Context) {
	ctx, f.cancel = context.WithCancel(ctx)
	f.done = make(chan struct{})
	ch, unsub := f.bus.SubscribeLossless(bus.KindMessage, 256)

	go func() {
		defer close(f.done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				msg, ok := evt.Payload.(*chat.Message)
				if !ok {
					continue
				}
				f.HandleMessage(ctx, msg)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the forwarder and waits for the loop to exit.
func (f *Forwarder) Stop() {
	if f.cancel != nil {
		f.cancel()
		<-f.done
	}
}

// Reset forgets every self-sent id and dedup reservation.
func (f *Forwarder) Reset() {
	f.selfSent.Reset()
	f.dedup.Reset()
}

// Location returns the time zone envelopes are rendered in.
func (f *Forwarder) Location() *time.Location { return f.cfg.Location }

// HandleMessage relays one inbound message to every mapping it belongs to and
// returns how many sends succeeded. Safe for concurrent use.
func (f *Forwarder) HandleMessage(ctx context.Context, msg *chat.Message) int {
	if f.selfSent.Consume(msg.ID) {
		f.logger.Debug("skipping self-sent echo", zap.String("msg_id", msg.ID))
		return 0
	}

	client := f.clients.Client()
	if client == nil {
		return 0
	}
	if msg.FromMe || (msg.SenderID != "" && msg.SenderID == client.AccountID()) {
		return 0
	}

	mappings, err := f.db.MappingsFromGroup(msg.ChatID)
	if err != nil {
		f.logger.Error("failed to resolve mappings", zap.Error(err), zap.String("group", msg.ChatID))
		return 0
	}

	sent := 0
	for i := range mappings {
		m := &mappings[i]
		dir, ok := m.DirectionFrom(msg.ChatID)
		if !ok {
			continue
		}
		if f.relay(ctx, client, m, dir, msg) {
			sent++
		}
	}
	return sent
}

func (f *Forwarder) relay(ctx context.Context, client chat.Client, m *store.Mapping, dir store.Direction, msg *chat.Message) bool {
	from, to := m.Endpoints(dir)
	key := f.dedup.Key(from, to, dedupContent(msg))
	if !f.dedup.Reserve(key) {
		f.logger.Debug("skipping duplicate", zap.Int64("mapping_id", m.ID), zap.String("msg_id", msg.ID))
		return false
	}

	evt := Forwarded{MappingID: m.ID, Direction: dir, MsgID: msg.ID, From: from, To: to}
	if err := f.Deliver(ctx, client, to, msg); err != nil {
		f.dedup.Release(key)
		f.logger.Warn("forward failed",
			zap.Error(err),
			zap.Int64("mapping_id", m.ID),
			zap.String("direction", string(dir)),
			zap.String("msg_id", msg.ID),
		)
		evt.Error = err.Error()
		f.bus.Publish(bus.NewEvent(bus.KindForwardFailed, evt))
		return false
	}

	if err := f.db.IncrementCount(m.ID, dir, 1); err != nil {
		f.logger.Error("failed to increment counter", zap.Error(err), zap.Int64("mapping_id", m.ID))
	}
	if err := f.db.AdvanceCursor(m.ID, dir, msg.Timestamp); err != nil {
		f.logger.Error("failed to advance cursor", zap.Error(err), zap.Int64("mapping_id", m.ID))
	}
	f.bus.Publish(bus.NewEvent(bus.KindForwarded, evt))
	return true
}

// Deliver wraps msg in the envelope and sends it to a group. The outgoing id
// is registered as self-sent before the send and dropped again on failure.
func (f *Forwarder) Deliver(ctx context.Context, client chat.Client, groupID string, msg *chat.Message) error {
	if client == nil {
		return ErrNoClient
	}
	ctx, cancel := context.WithTimeout(ctx, f.cfg.SendTimeout)
	defer cancel()

	env := EnvelopeFor(msg)

	var media *chat.Media
	if msg.HasMedia {
		var err error
		media, err = client.DownloadMedia(ctx, msg.Ref())
		if err != nil {
			return fmt.Errorf("download media: %w", err)
		}
	}

	id := client.NewMessageID()
	f.selfSent.Remember(id)

	var err error
	if media != nil {
		err = client.SendMedia(ctx, groupID, id, media, env.Caption(f.cfg.Location))
	} else {
		err = client.SendText(ctx, groupID, id, env.Text(f.cfg.Location))
	}
	if err != nil {
		f.selfSent.Forget(id)
		return fmt.Errorf("send to %s: %w", groupID, err)
	}
	return nil
}

// dedupContent is the body, or a per-message marker for bodiless messages so
// distinct attachments without captions are not collapsed.
func dedupContent(msg *chat.Message) string {
	if strings.TrimSpace(msg.Body) != "" {
		return msg.Body
	}
	return "[" + msg.Type + "]" + msg.ID
}
