package forward

import (
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/wabridge/internal/chat"
)

const (
	rule             = "────────────────"
	timestampLayout  = "02/01/2006 15:04:05"
	mediaPlaceholder = "sent media"
	unknownSender    = "Unknown"
)

// Envelope is the fixed frame wrapped around every relayed message.
type Envelope struct {
	SenderName  string
	SenderPhone string
	Body        string
	Type        string
	Timestamp   int64
}

// EnvelopeFor builds the envelope of a chat message.
func EnvelopeFor(m *chat.Message) Envelope {
	return Envelope{
		SenderName:  m.SenderName,
		SenderPhone: m.SenderPhone,
		Body:        m.Body,
		Type:        m.Type,
		Timestamp:   m.Timestamp,
	}
}

// Text renders the envelope for a text send.
func (e Envelope) Text(loc *time.Location) string {
	body := e.Body
	if strings.TrimSpace(body) == "" {
		typ := e.Type
		if typ == "" {
			typ = "message"
		}
		body = "[" + typ + "]"
	}
	return e.render(body, loc)
}

// Caption renders the envelope for a media send.
func (e Envelope) Caption(loc *time.Location) string {
	body := e.Body
	if strings.TrimSpace(body) == "" {
		body = mediaPlaceholder
	}
	return e.render(body, loc)
}

func (e Envelope) render(body string, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	name := e.SenderName
	if name == "" {
		name = unknownSender
	}
	ts := time.Unix(e.Timestamp, 0).In(loc)

	var b strings.Builder
	fmt.Fprintf(&b, "*%s* - _%s_\n", name, e.SenderPhone)
	b.WriteString(rule + "\n")
	b.WriteString(body + "\n")
	b.WriteString(rule + "\n")
	fmt.Fprintf(&b, "_%s %s_", ts.Format(timestampLayout), loc.String())
	return b.String()
}
