package chat

// Participant is a member of a two-party conversation.
type Participant struct {
	UserID string `json:"userId"`
	Name   string `json:"name,omitempty"`
	Role   string `json:"role,omitempty"`
}

// Settings holds per-user conversation preferences.
type Settings struct {
	Muted  bool `json:"muted"`
	Pinned bool `json:"pinned"`
}

// Conversation is the server-authoritative conversation summary held by
// the cache. The coordinator never mutates one directly; it goes through
// cache operations.
type Conversation struct {
	ID           string        `json:"id"`
	Participants []Participant `json:"participants"`
	JobID        string        `json:"jobId,omitempty"`
	State        string        `json:"state,omitempty"`
	Settings     Settings      `json:"settings"`
	LastMessage  *Message      `json:"lastMessage,omitempty"`
	UnreadCount  int           `json:"unreadCount"`
	CreatedAt    int64         `json:"createdAt"`
	UpdatedAt    int64         `json:"updatedAt"`
}

// Clone returns a deep copy of the conversation.
func (c Conversation) Clone() Conversation {
	out := c
	if c.Participants != nil {
		out.Participants = make([]Participant, len(c.Participants))
		copy(out.Participants, c.Participants)
	}
	if c.LastMessage != nil {
		lm := c.LastMessage.Clone()
		out.LastMessage = &lm
	}
	return out
}

// OnlineUser is a presence snapshot for a peer. Entries are created and
// updated by inbound presence events and cleared wholesale on disconnect.
type OnlineUser struct {
	UserID   string `json:"userId"`
	Name     string `json:"name,omitempty"`
	Online   bool   `json:"online"`
	LastSeen int64  `json:"lastSeen,omitempty"` // unix millis
	Role     string `json:"role,omitempty"`
	Status   string `json:"status,omitempty"`
}
