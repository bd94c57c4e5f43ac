package wa

import (
	"fmt"

	"go.mau.fi/whatsmeow"
	"go.uber.org/zap"

	"github.com/matheus3301/wabridge/internal/bus"
	"github.com/matheus3301/wabridge/internal/chat"
)

// startPairing opens the QR channel, connects, and reports pairing progress
// on the bus until the phone scans a code or the channel gives up.
func (a *Adapter) startPairing() error {
	qrChan, err := a.client.GetQRChannel(a.ctx)
	if err != nil {
		return fmt.Errorf("get QR channel: %w", err)
	}

	// Connect must be called after GetQRChannel.
	a.logger.Info("connecting to WhatsApp for pairing")
	if err := a.client.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	go func() {
		for item := range qrChan {
			if done := a.handleQRItem(item); done {
				return
			}
		}
	}()
	return nil
}

// handleQRItem publishes one pairing step and reports whether pairing ended.
func (a *Adapter) handleQRItem(item whatsmeow.QRChannelItem) bool {
	switch item.Event {
	case "code":
		a.bus.Publish(bus.NewEvent(bus.KindPairing, chat.PairingChallenge{Code: item.Code}))
		return false
	case "success":
		a.logger.Info("pairing succeeded")
		a.bus.Publish(bus.NewEvent(bus.KindAuthenticated, nil))
		return true
	case "timeout":
		a.logger.Warn("pairing timed out")
		a.bus.Publish(bus.NewEvent(bus.KindDisconnected, chat.Disconnect{Reason: "pairing timed out"}))
		return true
	default:
		reason := item.Event
		if item.Error != nil {
			reason = item.Error.Error()
		}
		a.logger.Warn("pairing failed", zap.String("reason", reason))
		a.bus.Publish(bus.NewEvent(bus.KindDisconnected, chat.Disconnect{Reason: reason}))
		return true
	}
}
