// Package chattest provides an in-memory chat.Client for tests.
package chattest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/matheus3301/wabridge/internal/chat"
)

// Sent records one outgoing message.
type Sent struct {
	GroupID string
	MsgID   string
	Text    string
	Media   *chat.Media
}

// Client is a fake chat.Client. Zero values are usable; fields may be set
// before the client is shared between goroutines.
type Client struct {
	Account string
	Groups  []chat.Group

	// SendErr, when set, is returned for sends to the given group.
	SendErr map[string]error
	// DownloadErr, when set, is returned by DownloadMedia.
	DownloadErr error
	// ConnectErr, when set, is returned by Connect.
	ConnectErr error
	// OnSend runs before a send is recorded. Used to inject echoes.
	OnSend func(Sent)

	mu        sync.Mutex
	history   map[string][]chat.Message
	media     map[string]*chat.Media
	sent      []Sent
	connects  int
	closed    bool
	loggedOut bool
	groupsErr error
	seq       atomic.Int64
}

var _ chat.Client = (*Client)(nil)

// AddHistory appends messages to a group's history.
func (c *Client) AddHistory(groupID string, msgs ...chat.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.history == nil {
		c.history = make(map[string][]chat.Message)
	}
	for _, m := range msgs {
		m.ChatID = groupID
		c.history[groupID] = append(c.history[groupID], m)
	}
}

// SetMedia registers the attachment returned for a message id.
func (c *Client) SetMedia(msgID string, m *chat.Media) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.media == nil {
		c.media = make(map[string]*chat.Media)
	}
	c.media[msgID] = m
}

// Sent returns a copy of all recorded sends.
func (c *Client) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.sent...)
}

// SentTo returns the sends addressed to a group.
func (c *Client) SentTo(groupID string) []Sent {
	var out []Sent
	for _, s := range c.Sent() {
		if s.GroupID == groupID {
			out = append(out, s)
		}
	}
	return out
}

// Connects returns how many times Connect was called.
func (c *Client) Connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

// Closed reports whether Close was called.
func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// LoggedOut reports whether Logout was called.
func (c *Client) LoggedOut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedOut
}

func (c *Client) Connect(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	return c.ConnectErr
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *Client) Logout(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loggedOut = true
	return nil
}

func (c *Client) AccountID() string { return c.Account }

func (c *Client) ListGroups(_ context.Context) ([]chat.Group, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.groupsErr != nil {
		return nil, c.groupsErr
	}
	return append([]chat.Group(nil), c.Groups...), nil
}

// FailListGroups makes ListGroups return err until it is called with nil.
func (c *Client) FailListGroups(err error) {
	c.mu.Lock()
	c.groupsErr = err
	c.mu.Unlock()
}

// History returns the newest limit messages, newest first.
func (c *Client) History(ctx context.Context, groupID string, limit int) ([]chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	msgs := append([]chat.Message(nil), c.history[groupID]...)
	c.mu.Unlock()

	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Timestamp > msgs[j].Timestamp })
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

func (c *Client) NewMessageID() string {
	return fmt.Sprintf("OUT%d", c.seq.Add(1))
}

func (c *Client) SendText(ctx context.Context, groupID, msgID, text string) error {
	return c.send(ctx, Sent{GroupID: groupID, MsgID: msgID, Text: text})
}

func (c *Client) SendMedia(ctx context.Context, groupID, msgID string, media *chat.Media, caption string) error {
	return c.send(ctx, Sent{GroupID: groupID, MsgID: msgID, Text: caption, Media: media})
}

func (c *Client) send(ctx context.Context, s Sent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.SendErr[s.GroupID]; err != nil {
		return err
	}
	if c.OnSend != nil {
		c.OnSend(s)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, s)
	return nil
}

func (c *Client) DownloadMedia(_ context.Context, ref chat.MessageRef) (*chat.Media, error) {
	if c.DownloadErr != nil {
		return nil, c.DownloadErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.media[ref.ID]
	if !ok {
		return nil, chat.ErrNoMedia
	}
	return m, nil
}
