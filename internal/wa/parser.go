package wa

import (
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/proto/waWeb"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/matheus3301/wabridge/internal/chat"
)

// NormalizeJID strips the device suffix from a JID string. Unparseable input
// is returned unchanged.
func NormalizeJID(s string) string {
	if s == "" {
		return s
	}
	jid, err := types.ParseJID(s)
	if err != nil {
		return s
	}
	return jid.ToNonAD().String()
}

// PhoneOf returns the phone number of a user JID, or "" for other servers.
func PhoneOf(jid types.JID) string {
	if jid.Server != types.DefaultUserServer {
		return ""
	}
	return jid.User
}

// ParseLiveMessage normalizes a live whatsmeow message event.
func ParseLiveMessage(evt *events.Message) *chat.Message {
	msg := evt.Message
	return &chat.Message{
		ID:         evt.Info.ID,
		ChatID:     evt.Info.Chat.ToNonAD().String(),
		SenderID:   evt.Info.Sender.ToNonAD().String(),
		SenderName: evt.Info.PushName,
		Body:       extractTextBody(msg),
		Type:       detectMessageType(msg),
		HasMedia:   hasMedia(msg),
		FromMe:     evt.Info.IsFromMe,
		Timestamp:  evt.Info.Timestamp.Unix(),
		Raw:        marshalRaw(msg),
	}
}

// ParseHistoryMessage normalizes one message of a history sync conversation.
// It returns nil for entries without content.
func ParseHistoryMessage(chatID string, wmi *waWeb.WebMessageInfo) *chat.Message {
	if wmi == nil || wmi.GetMessage() == nil {
		return nil
	}
	msg := wmi.GetMessage()
	key := wmi.GetKey()

	sender := key.GetParticipant()
	if sender == "" {
		sender = wmi.GetParticipant()
	}
	return &chat.Message{
		ID:         key.GetID(),
		ChatID:     NormalizeJID(chatID),
		SenderID:   NormalizeJID(sender),
		SenderName: wmi.GetPushName(),
		Body:       extractTextBody(msg),
		Type:       detectMessageType(msg),
		HasMedia:   hasMedia(msg),
		FromMe:     key.GetFromMe(),
		Timestamp:  int64(wmi.GetMessageTimestamp()),
		Raw:        marshalRaw(msg),
	}
}

func marshalRaw(msg *waE2E.Message) []byte {
	if msg == nil {
		return nil
	}
	raw, err := proto.Marshal(msg)
	if err != nil {
		return nil
	}
	return raw
}

func extractTextBody(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if c := msg.GetConversation(); c != "" {
		return c
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	switch {
	case msg.GetImageMessage() != nil:
		return msg.GetImageMessage().GetCaption()
	case msg.GetVideoMessage() != nil:
		return msg.GetVideoMessage().GetCaption()
	case msg.GetDocumentMessage() != nil:
		return msg.GetDocumentMessage().GetCaption()
	}
	return ""
}

func detectMessageType(msg *waE2E.Message) string {
	if msg == nil {
		return "unknown"
	}
	switch {
	case msg.GetConversation() != "" || msg.GetExtendedTextMessage() != nil:
		return "text"
	case msg.GetImageMessage() != nil:
		return "image"
	case msg.GetVideoMessage() != nil:
		return "video"
	case msg.GetAudioMessage() != nil:
		return "audio"
	case msg.GetDocumentMessage() != nil:
		return "document"
	case msg.GetStickerMessage() != nil:
		return "sticker"
	case msg.GetContactMessage() != nil:
		return "contact"
	case msg.GetLocationMessage() != nil:
		return "location"
	default:
		return "unknown"
	}
}

func hasMedia(msg *waE2E.Message) bool {
	if msg == nil {
		return false
	}
	return msg.GetImageMessage() != nil ||
		msg.GetVideoMessage() != nil ||
		msg.GetAudioMessage() != nil ||
		msg.GetDocumentMessage() != nil ||
		msg.GetStickerMessage() != nil
}

// mediaMimeType returns the mime type declared by the attachment, if any.
func mediaMimeType(msg *waE2E.Message) (mime, fileName string) {
	switch {
	case msg.GetImageMessage() != nil:
		return msg.GetImageMessage().GetMimetype(), ""
	case msg.GetVideoMessage() != nil:
		return msg.GetVideoMessage().GetMimetype(), ""
	case msg.GetAudioMessage() != nil:
		return msg.GetAudioMessage().GetMimetype(), ""
	case msg.GetDocumentMessage() != nil:
		return msg.GetDocumentMessage().GetMimetype(), msg.GetDocumentMessage().GetFileName()
	case msg.GetStickerMessage() != nil:
		return msg.GetStickerMessage().GetMimetype(), ""
	}
	return "", ""
}
