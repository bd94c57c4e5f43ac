package chat

// Group is a chat network group the account has joined.
type Group struct {
	ID               string
	Name             string
	ParticipantCount int
}

// Message is a normalized group message.
type Message struct {
	ID          string
	ChatID      string
	SenderID    string
	SenderName  string
	SenderPhone string
	Body        string
	Type        string
	HasMedia    bool
	FromMe      bool
	// Timestamp in Unix seconds.
	Timestamp int64
	// Raw is the serialized network message, kept so attachments can be
	// downloaded later. May be empty.
	Raw []byte
}

// Ref returns a reference usable with Client.DownloadMedia.
func (m *Message) Ref() MessageRef {
	return MessageRef{ChatID: m.ChatID, ID: m.ID, Raw: m.Raw}
}

// MessageRef identifies a message for media download. When Raw is empty the
// client resolves the message by chat and id.
type MessageRef struct {
	ChatID string
	ID     string
	Raw    []byte
}

// Media is a downloaded or outgoing attachment.
type Media struct {
	Data     []byte
	MimeType string
	FileName string
}

// PairingChallenge is the payload of bus.KindPairing.
type PairingChallenge struct {
	Code string
}

// Disconnect is the payload of bus.KindDisconnected.
type Disconnect struct {
	Reason    string
	LoggedOut bool
}
