// Package chat defines the contract between the bridge and the chat network
// client. The bridge only talks to the network through Client and only learns
// about the network through the lifecycle and message events published on the
// bus (see the bus.Kind* constants).
package chat

import (
	"context"
	"errors"
)

// ErrNoMedia is returned by DownloadMedia when the referenced message carries no attachment.
var ErrNoMedia = errors.New("message has no media")

// Client is a connected chat network account.
//
// Implementations publish lifecycle events (bus.KindPairing, KindAuthenticated,
// KindReady, KindDisconnected) and message events (KindMessage, KindHistory).
// Calls are single-attempt; retrying is up to the caller.
type Client interface {
	// Connect starts the connection. Pairing, if needed, is reported through
	// bus.KindPairing events.
	Connect(ctx context.Context) error
	// Close disconnects and releases every resource held by the client.
	Close() error
	// Logout unlinks this device from the account.
	Logout(ctx context.Context) error

	// AccountID returns the persistent identifier of the logged in account,
	// or "" before pairing.
	AccountID() string

	ListGroups(ctx context.Context) ([]Group, error)
	// History returns up to limit of the most recent messages of a group.
	History(ctx context.Context, groupID string, limit int) ([]Message, error)

	// NewMessageID reserves an id for an outgoing message.
	NewMessageID() string
	SendText(ctx context.Context, groupID, msgID, text string) error
	SendMedia(ctx context.Context, groupID, msgID string, media *Media, caption string) error
	DownloadMedia(ctx context.Context, ref MessageRef) (*Media, error)
}
