package wa

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	"github.com/matheus3301/wabridge/internal/archive"
	"github.com/matheus3301/wabridge/internal/bus"
	"github.com/matheus3301/wabridge/internal/chat"
	"github.com/matheus3301/wabridge/internal/lock"
	"github.com/matheus3301/wabridge/internal/store"

	_ "github.com/mattn/go-sqlite3"
)

// Options locate the adapter's on-disk state.
type Options struct {
	// Dir holds the client lock.
	Dir           string
	SessionDBPath string
	// DeviceName is shown in the phone's linked devices list.
	DeviceName string
	// Archive serves History and media lookups by id.
	Archive *store.DB
}

// Adapter wraps the whatsmeow client as a chat.Client.
type Adapter struct {
	client    *whatsmeow.Client
	container *sqlstore.Container
	lock      *lock.Lock
	archive   *store.DB
	bus       *bus.Bus
	logger    *zap.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

var _ chat.Client = (*Adapter)(nil)

// NewAdapter takes the client lock and opens the whatsmeow device store.
// It returns a *lock.HeldError when another client holds the lock.
func NewAdapter(ctx context.Context, opts Options, b *bus.Bus, logger *zap.Logger) (*Adapter, error) {
	l, err := lock.Acquire(opts.Dir)
	if err != nil {
		return nil, err
	}

	wastore.SetOSInfo(opts.DeviceName, [3]uint32{0, 1, 0})

	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", opts.SessionDBPath),
		NewLogger(logger, "whatsmeow.store"),
	)
	if err != nil {
		_ = l.Release()
		return nil, fmt.Errorf("create session store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		_ = l.Release()
		return nil, fmt.Errorf("get device store: %w", err)
	}

	client := whatsmeow.NewClient(deviceStore, NewLogger(logger, "whatsmeow.client"))
	// Reconnects are driven by the connection manager.
	client.EnableAutoReconnect = false

	actx, cancel := context.WithCancel(context.Background())
	a := &Adapter{
		client:    client,
		container: container,
		lock:      l,
		archive:   opts.Archive,
		bus:       b,
		logger:    logger,
		ctx:       actx,
		cancel:    cancel,
	}
	client.AddEventHandler(NewEventHandler(b, a, logger).Handle)
	return a, nil
}

// IsLoggedIn returns whether the adapter has valid credentials.
func (a *Adapter) IsLoggedIn() bool {
	return a.client.Store.ID != nil
}

// Connect initiates the WhatsApp connection. Without stored credentials it
// starts QR pairing first.
func (a *Adapter) Connect(_ context.Context) error {
	if !a.IsLoggedIn() {
		return a.startPairing()
	}
	a.logger.Info("connecting to WhatsApp")
	a.bus.Publish(bus.NewEvent(bus.KindAuthenticated, nil))
	return a.client.Connect()
}

// Close disconnects and releases the device store and the client lock.
func (a *Adapter) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.logger.Info("disconnecting from WhatsApp")
		a.cancel()
		a.client.Disconnect()
		if cerr := a.container.Close(); cerr != nil {
			err = fmt.Errorf("close session store: %w", cerr)
		}
		if lerr := a.lock.Release(); lerr != nil && err == nil {
			err = fmt.Errorf("release client lock: %w", lerr)
		}
	})
	return err
}

// Logout invalidates the session and removes credentials.
func (a *Adapter) Logout(ctx context.Context) error {
	return a.client.Logout(ctx)
}

// AccountID returns the logged in account JID without device suffix.
func (a *Adapter) AccountID() string {
	if a.client.Store.ID == nil {
		return ""
	}
	return a.client.Store.ID.ToNonAD().String()
}

// ListGroups returns the groups the account has joined.
func (a *Adapter) ListGroups(ctx context.Context) ([]chat.Group, error) {
	infos, err := a.client.GetJoinedGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("get joined groups: %w", err)
	}
	groups := make([]chat.Group, 0, len(infos))
	for _, g := range infos {
		groups = append(groups, chat.Group{
			ID:               g.JID.String(),
			Name:             g.Name,
			ParticipantCount: len(g.Participants),
		})
	}
	return groups, nil
}

// History returns the newest archived messages of a group. whatsmeow has no
// on-demand history call, so the archive fed by live and history-sync events
// is the source.
func (a *Adapter) History(_ context.Context, groupID string, limit int) ([]chat.Message, error) {
	if a.archive == nil {
		return nil, nil
	}
	return archive.History(a.archive, groupID, limit)
}

func (a *Adapter) NewMessageID() string {
	return string(a.client.GenerateMessageID())
}

// SendText sends a text message with a preassigned id.
func (a *Adapter) SendText(ctx context.Context, groupID, msgID, text string) error {
	return a.send(ctx, groupID, msgID, &waE2E.Message{
		Conversation: proto.String(text),
	})
}

// SendMedia uploads an attachment and sends it with a caption.
func (a *Adapter) SendMedia(ctx context.Context, groupID, msgID string, media *chat.Media, caption string) error {
	mime := media.MimeType
	if mime == "" {
		mime = mimetype.Detect(media.Data).String()
	}
	kind := mediaKind(mime)

	up, err := a.client.Upload(ctx, media.Data, kind)
	if err != nil {
		return fmt.Errorf("upload media: %w", err)
	}

	var msg *waE2E.Message
	switch kind {
	case whatsmeow.MediaImage:
		msg = &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Caption:       proto.String(caption),
			Mimetype:      proto.String(mime),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	case whatsmeow.MediaVideo:
		msg = &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			Caption:       proto.String(caption),
			Mimetype:      proto.String(mime),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	default:
		name := media.FileName
		if name == "" {
			name = "attachment"
			if m := mimetype.Lookup(mime); m != nil {
				name += m.Extension()
			}
		}
		msg = &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			Caption:       proto.String(caption),
			Mimetype:      proto.String(mime),
			FileName:      proto.String(name),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	}
	return a.send(ctx, groupID, msgID, msg)
}

func (a *Adapter) send(ctx context.Context, groupID, msgID string, msg *waE2E.Message) error {
	to, err := types.ParseJID(groupID)
	if err != nil {
		return fmt.Errorf("parse JID: %w", err)
	}
	if _, err := a.client.SendMessage(ctx, to, msg, whatsmeow.SendRequestExtra{ID: types.MessageID(msgID)}); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// DownloadMedia downloads the attachment of a message. The serialized
// message comes from ref.Raw or, failing that, from the archive.
func (a *Adapter) DownloadMedia(ctx context.Context, ref chat.MessageRef) (*chat.Media, error) {
	raw := ref.Raw
	if len(raw) == 0 && a.archive != nil {
		stored, err := archive.Lookup(a.archive, ref.ChatID, ref.ID)
		if err != nil {
			return nil, fmt.Errorf("lookup message: %w", err)
		}
		if stored != nil {
			raw = stored.Raw
		}
	}
	if len(raw) == 0 {
		return nil, chat.ErrNoMedia
	}

	var msg waE2E.Message
	if err := proto.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if !hasMedia(&msg) {
		return nil, chat.ErrNoMedia
	}

	data, err := a.client.DownloadAny(ctx, &msg)
	if err != nil {
		if errors.Is(err, whatsmeow.ErrNothingDownloadableFound) {
			return nil, chat.ErrNoMedia
		}
		return nil, fmt.Errorf("download media: %w", err)
	}

	mime, name := mediaMimeType(&msg)
	if mime == "" {
		mime = mimetype.Detect(data).String()
	}
	return &chat.Media{Data: data, MimeType: mime, FileName: name}, nil
}

// ResolveLID resolves a LID JID to its phone number JID using the device store mapping.
// Returns the original JID if it's not a LID or if resolution fails.
func (a *Adapter) ResolveLID(ctx context.Context, jid types.JID) types.JID {
	if jid.Server != types.HiddenUserServer && jid.Server != types.HostedLIDServer {
		return jid
	}
	if a.client == nil || a.client.Store == nil || a.client.Store.LIDs == nil {
		return jid
	}
	pn, err := a.client.Store.LIDs.GetPNForLID(ctx, jid)
	if err != nil || pn.IsEmpty() {
		return jid
	}
	return pn
}

// mediaKind picks the upload type for a mime type. Stickers and audio are
// relayed as documents so the caption survives.
func mediaKind(mime string) whatsmeow.MediaType {
	switch {
	case strings.HasPrefix(mime, "image/") && mime != "image/webp":
		return whatsmeow.MediaImage
	case strings.HasPrefix(mime, "video/"):
		return whatsmeow.MediaVideo
	default:
		return whatsmeow.MediaDocument
	}
}
