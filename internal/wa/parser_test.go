package wa

import (
	"testing"
	"time"

	"go.mau.fi/whatsmeow/proto/waCommon"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/proto/waWeb"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
)

func TestExtractTextBody(t *testing.T) {
	tests := []struct {
		name string
		msg  *waE2E.Message
		want string
	}{
		{"nil message", nil, ""},
		{"conversation", &waE2E.Message{Conversation: proto.String("hello")}, "hello"},
		{"extended text", &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("extended")}}, "extended"},
		{"image (no text)", &waE2E.Message{ImageMessage: &waE2E.ImageMessage{}}, ""},
		{"image caption", &waE2E.Message{ImageMessage: &waE2E.ImageMessage{Caption: proto.String("look")}}, "look"},
		{"video caption", &waE2E.Message{VideoMessage: &waE2E.VideoMessage{Caption: proto.String("clip")}}, "clip"},
		{"document caption", &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{Caption: proto.String("pdf")}}, "pdf"},
		{"empty conversation", &waE2E.Message{Conversation: proto.String("")}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := extractTextBody(tt.msg)
			if got != tt.want {
				t.Errorf("extractTextBody() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDetectMessageType(t *testing.T) {
	tests := []struct {
		name  string
		msg   *waE2E.Message
		want  string
		media bool
	}{
		{"nil", nil, "unknown", false},
		{"text conversation", &waE2E.Message{Conversation: proto.String("hi")}, "text", false},
		{"extended text", &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("hi")}}, "text", false},
		{"image", &waE2E.Message{ImageMessage: &waE2E.ImageMessage{}}, "image", true},
		{"video", &waE2E.Message{VideoMessage: &waE2E.VideoMessage{}}, "video", true},
		{"audio", &waE2E.Message{AudioMessage: &waE2E.AudioMessage{}}, "audio", true},
		{"document", &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{}}, "document", true},
		{"sticker", &waE2E.Message{StickerMessage: &waE2E.StickerMessage{}}, "sticker", true},
		{"contact", &waE2E.Message{ContactMessage: &waE2E.ContactMessage{}}, "contact", false},
		{"location", &waE2E.Message{LocationMessage: &waE2E.LocationMessage{}}, "location", false},
		{"empty message", &waE2E.Message{}, "unknown", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := detectMessageType(tt.msg); got != tt.want {
				t.Errorf("detectMessageType() = %q, want %q", got, tt.want)
			}
			if got := hasMedia(tt.msg); got != tt.media {
				t.Errorf("hasMedia() = %v, want %v", got, tt.media)
			}
		})
	}
}

func TestParseLiveMessage(t *testing.T) {
	ts := time.Unix(1_700_000_000, 0)
	evt := &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{
				Chat:     types.NewJID("120363123456", types.GroupServer),
				Sender:   types.JID{User: "558592403672", Device: 3, Server: types.DefaultUserServer},
				IsFromMe: false,
				IsGroup:  true,
			},
			ID:        "M1",
			PushName:  "Alice",
			Timestamp: ts,
		},
		Message: &waE2E.Message{Conversation: proto.String("hello")},
	}

	got := ParseLiveMessage(evt)
	if got.ID != "M1" || got.ChatID != "120363123456@g.us" {
		t.Errorf("ids = %q/%q", got.ChatID, got.ID)
	}
	if got.SenderID != "558592403672@s.whatsapp.net" {
		t.Errorf("SenderID = %q, want device suffix stripped", got.SenderID)
	}
	if got.SenderName != "Alice" || got.Body != "hello" || got.Type != "text" {
		t.Errorf("parsed = %+v", got)
	}
	if got.Timestamp != 1_700_000_000 {
		t.Errorf("Timestamp = %d, want seconds", got.Timestamp)
	}

	var decoded waE2E.Message
	if err := proto.Unmarshal(got.Raw, &decoded); err != nil {
		t.Fatalf("raw payload does not decode: %v", err)
	}
	if decoded.GetConversation() != "hello" {
		t.Errorf("raw conversation = %q", decoded.GetConversation())
	}
}

func TestParseHistoryMessage(t *testing.T) {
	ts := uint64(1_700_000_100)
	wmi := &waWeb.WebMessageInfo{
		Key: &waCommon.MessageKey{
			ID:          proto.String("H1"),
			FromMe:      proto.Bool(true),
			RemoteJID:   proto.String("120363123456@g.us"),
			Participant: proto.String("558592403672:2@s.whatsapp.net"),
		},
		PushName:         proto.String("Me"),
		MessageTimestamp: &ts,
		Message:          &waE2E.Message{ImageMessage: &waE2E.ImageMessage{Caption: proto.String("pic")}},
	}

	got := ParseHistoryMessage("120363123456@g.us", wmi)
	if got == nil {
		t.Fatal("ParseHistoryMessage() = nil")
	}
	if got.ID != "H1" || !got.FromMe || got.SenderID != "558592403672@s.whatsapp.net" {
		t.Errorf("parsed = %+v", got)
	}
	if got.Type != "image" || !got.HasMedia || got.Body != "pic" || got.Timestamp != 1_700_000_100 {
		t.Errorf("parsed = %+v", got)
	}

	if ParseHistoryMessage("x@g.us", &waWeb.WebMessageInfo{}) != nil {
		t.Error("empty history entry parsed")
	}
}

func TestNormalizeJID(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"558592403672@s.whatsapp.net", "558592403672@s.whatsapp.net"},
		{"558592403672:0@s.whatsapp.net", "558592403672@s.whatsapp.net"},
		{"558592403672:5@s.whatsapp.net", "558592403672@s.whatsapp.net"},
		{"120363123456@g.us", "120363123456@g.us"},
		{"", ""},
		{"3917077286968@lid", "3917077286968@lid"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := NormalizeJID(tt.input)
			if got != tt.want {
				t.Errorf("NormalizeJID(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestPhoneOf(t *testing.T) {
	if got := PhoneOf(types.NewJID("558592403672", types.DefaultUserServer)); got != "558592403672" {
		t.Errorf("PhoneOf(user) = %q", got)
	}
	if got := PhoneOf(types.NewJID("3917077286968", types.HiddenUserServer)); got != "" {
		t.Errorf("PhoneOf(lid) = %q, want empty", got)
	}
}
