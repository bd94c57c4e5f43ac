package wa

import (
	"context"
	"time"

	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"

	"github.com/matheus3301/wabridge/internal/bus"
	"github.com/matheus3301/wabridge/internal/chat"
)

const resolveTimeout = 5 * time.Second

// JIDResolver maps hidden-user (LID) JIDs to phone number JIDs.
type JIDResolver interface {
	ResolveLID(ctx context.Context, jid types.JID) types.JID
}

// EventHandler translates whatsmeow events into bus events. Only group
// messages are published; the bridge never relays direct chats.
type EventHandler struct {
	bus      *bus.Bus
	resolver JIDResolver
	logger   *zap.Logger
}

// NewEventHandler creates a new event handler. resolver may be nil.
func NewEventHandler(b *bus.Bus, resolver JIDResolver, logger *zap.Logger) *EventHandler {
	return &EventHandler{
		bus:      b,
		resolver: resolver,
		logger:   logger,
	}
}

// Handle is the whatsmeow event handler function.
func (h *EventHandler) Handle(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		h.handleMessage(evt)
	case *events.Connected:
		h.logger.Info("WhatsApp connected")
		h.bus.Publish(bus.NewEvent(bus.KindReady, nil))
	case *events.Disconnected:
		h.logger.Warn("WhatsApp disconnected")
		h.bus.Publish(bus.NewEvent(bus.KindDisconnected, chat.Disconnect{Reason: "connection lost"}))
	case *events.StreamReplaced:
		h.logger.Warn("WhatsApp stream replaced by another connection")
		h.bus.Publish(bus.NewEvent(bus.KindDisconnected, chat.Disconnect{Reason: "stream replaced"}))
	case *events.LoggedOut:
		h.logger.Warn("WhatsApp logged out", zap.String("reason", evt.Reason.String()))
		h.bus.Publish(bus.NewEvent(bus.KindDisconnected, chat.Disconnect{Reason: evt.Reason.String(), LoggedOut: true}))
	case *events.HistorySync:
		h.handleHistorySync(evt)
	}
}

func (h *EventHandler) handleMessage(evt *events.Message) {
	if evt.Info.Chat.Server != types.GroupServer {
		return
	}
	msg := ParseLiveMessage(evt)
	sender := h.resolveJID(evt.Info.Sender.ToNonAD())
	msg.SenderPhone = PhoneOf(sender)
	h.bus.Publish(bus.NewEvent(bus.KindMessage, msg))
}

func (h *EventHandler) handleHistorySync(evt *events.HistorySync) {
	data := evt.Data
	if data == nil {
		return
	}

	var msgs []chat.Message
	for _, conv := range data.GetConversations() {
		chatJID, err := types.ParseJID(conv.GetID())
		if err != nil || chatJID.Server != types.GroupServer {
			continue
		}
		for _, hm := range conv.GetMessages() {
			msg := ParseHistoryMessage(conv.GetID(), hm.GetMessage())
			if msg == nil {
				continue
			}
			if sender, err := types.ParseJID(msg.SenderID); err == nil {
				msg.SenderPhone = PhoneOf(h.resolveJID(sender))
			}
			msgs = append(msgs, *msg)
		}
	}

	if len(msgs) > 0 {
		h.bus.Publish(bus.NewEvent(bus.KindHistory, msgs))
	}
}

func (h *EventHandler) resolveJID(jid types.JID) types.JID {
	if h.resolver == nil {
		return jid
	}
	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()
	return h.resolver.ResolveLID(ctx, jid)
}
