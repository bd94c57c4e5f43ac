// Package archive keeps a durable log of the group messages seen by the chat
// client. It backs history lookups and media re-download by id.
package archive

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/wabridge/internal/bus"
	"github.com/matheus3301/wabridge/internal/chat"
	"github.com/matheus3301/wabridge/internal/store"
)

const pruneInterval = time.Hour

// Engine ingests chat.message and chat.history events into the store.
type Engine struct {
	db        *store.DB
	bus       *bus.Bus
	retention time.Duration
	logger    *zap.Logger
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewEngine creates an archive engine. A zero retention keeps messages forever.
func NewEngine(db *store.DB, b *bus.Bus, retention time.Duration, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:        db,
		bus:       b,
		retention: retention,
		logger:    logger,
	}
}

// Start subscribes to inbound chat events on the bus and starts pruning.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	ch, unsub := e.bus.SubscribeLossless("chat.", 512)

	go func() {
		defer close(e.done)
		defer unsub()

		e.prune()
		ticker := time.NewTicker(pruneInterval)
		defer ticker.Stop()

		for {
			select {
			case evt := <-ch:
				e.handleEvent(evt)
			case <-ticker.C:
				e.prune()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine and waits for the loop to exit.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
}

func (e *Engine) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case bus.KindMessage:
		msg, ok := evt.Payload.(*chat.Message)
		if !ok {
			return
		}
		if err := e.Ingest(msg); err != nil {
			e.logger.Error("failed to archive message", zap.Error(err), zap.String("msg_id", msg.ID))
		}
	case bus.KindHistory:
		msgs, ok := evt.Payload.([]chat.Message)
		if !ok {
			return
		}
		if err := e.IngestBatch(msgs); err != nil {
			e.logger.Error("failed to archive history batch", zap.Error(err), zap.Int("count", len(msgs)))
		} else {
			e.logger.Info("history batch archived", zap.Int("messages", len(msgs)))
		}
	}
}

// Ingest archives a single message (idempotent).
func (e *Engine) Ingest(msg *chat.Message) error {
	if err := e.db.UpsertMessage(toStore(msg)); err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	return nil
}

// IngestBatch archives a history batch in one transaction.
func (e *Engine) IngestBatch(msgs []chat.Message) error {
	rows := make([]*store.Message, 0, len(msgs))
	for i := range msgs {
		rows = append(rows, toStore(&msgs[i]))
	}
	if err := e.db.UpsertMessages(rows); err != nil {
		return fmt.Errorf("upsert history: %w", err)
	}
	return nil
}

func (e *Engine) prune() {
	if e.retention <= 0 {
		return
	}
	cutoff := time.Now().Add(-e.retention).Unix()
	n, err := e.db.PruneMessages(cutoff)
	if err != nil {
		e.logger.Warn("archive prune failed", zap.Error(err))
		return
	}
	if n > 0 {
		e.logger.Info("archive pruned", zap.Int64("messages", n))
	}
}

// History returns up to limit of the newest archived messages of a group,
// newest first.
func History(db *store.DB, groupID string, limit int) ([]chat.Message, error) {
	rows, err := db.RecentMessages(groupID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	msgs := make([]chat.Message, 0, len(rows))
	for i := range rows {
		msgs = append(msgs, fromStore(&rows[i]))
	}
	return msgs, nil
}

// Lookup returns an archived message, or nil if it was never seen.
func Lookup(db *store.DB, chatID, msgID string) (*chat.Message, error) {
	row, err := db.GetMessage(chatID, msgID)
	if err != nil || row == nil {
		return nil, err
	}
	m := fromStore(row)
	return &m, nil
}

func toStore(m *chat.Message) *store.Message {
	return &store.Message{
		ChatID:      m.ChatID,
		MsgID:       m.ID,
		SenderID:    m.SenderID,
		SenderName:  m.SenderName,
		SenderPhone: m.SenderPhone,
		Body:        m.Body,
		MessageType: m.Type,
		HasMedia:    m.HasMedia,
		FromMe:      m.FromMe,
		Timestamp:   m.Timestamp,
		Raw:         m.Raw,
	}
}

func fromStore(m *store.Message) chat.Message {
	return chat.Message{
		ID:          m.MsgID,
		ChatID:      m.ChatID,
		SenderID:    m.SenderID,
		SenderName:  m.SenderName,
		SenderPhone: m.SenderPhone,
		Body:        m.Body,
		Type:        m.MessageType,
		HasMedia:    m.HasMedia,
		FromMe:      m.FromMe,
		Timestamp:   m.Timestamp,
		Raw:         m.Raw,
	}
}
