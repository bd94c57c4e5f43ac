package store

import "errors"

var (
	ErrSameGroup     = errors.New("source and target group must differ")
	ErrMissingGroup  = errors.New("source and target group are required")
	ErrMappingExists = errors.New("mapping already exists")
)

// Direction selects which way a mapping is being relayed.
type Direction string

const (
	Forward Direction = "forward"
	Reverse Direction = "reverse"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == Forward || d == Reverse
}

// Group is a cached chat network group.
type Group struct {
	ID               string
	Name             string
	ParticipantCount int
	UpdatedAt        int64
}

// Mapping pairs a source group with a target group.
type Mapping struct {
	ID              int64
	SourceGroupID   string
	SourceGroupName string
	TargetGroupID   string
	TargetGroupName string
	Bidirectional   bool
	Active          bool
	CreatedAt       int64
}

// Endpoints returns the sending and receiving group for a direction.
func (m *Mapping) Endpoints(dir Direction) (from, to string) {
	if dir == Reverse {
		return m.TargetGroupID, m.SourceGroupID
	}
	return m.SourceGroupID, m.TargetGroupID
}

// EndpointNames returns the display names matching Endpoints.
func (m *Mapping) EndpointNames(dir Direction) (from, to string) {
	if dir == Reverse {
		return m.TargetGroupName, m.SourceGroupName
	}
	return m.SourceGroupName, m.TargetGroupName
}

// DirectionFrom returns the direction a message posted in groupID travels,
// and false if the mapping does not relay messages from that group.
func (m *Mapping) DirectionFrom(groupID string) (Direction, bool) {
	switch {
	case groupID == m.SourceGroupID:
		return Forward, true
	case m.Bidirectional && groupID == m.TargetGroupID:
		return Reverse, true
	default:
		return "", false
	}
}

// Directions lists the directions a mapping relays.
func (m *Mapping) Directions() []Direction {
	if m.Bidirectional {
		return []Direction{Forward, Reverse}
	}
	return []Direction{Forward}
}

// Cursor is the watermark of one mapping direction.
type Cursor struct {
	CursorTs  int64
	MsgCount  int64
	UpdatedAt int64
}

// MappingStats joins a mapping with both of its cursors.
type MappingStats struct {
	Mapping Mapping
	Forward Cursor
	Reverse Cursor
}

// Message is an archived group message.
type Message struct {
	ChatID      string
	MsgID       string
	SenderID    string
	SenderName  string
	SenderPhone string
	Body        string
	MessageType string
	HasMedia    bool
	FromMe      bool
	Timestamp   int64
	Raw         []byte
}
