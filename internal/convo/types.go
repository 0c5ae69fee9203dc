package convo

import "time"

// Contact is the read-only projection of another user's identity.
type Contact struct {
	ID    string
	Name  string
	Email string
}

// MessageType enumerates the supported message payloads.
type MessageType string

const (
	TypeText     MessageType = "text"
	TypeImage    MessageType = "image"
	TypeLocation MessageType = "location"
)

// MessageStatus tracks the lifecycle of an outgoing message.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusConfirmed MessageStatus = "confirmed"
	StatusFailed    MessageStatus = "failed"
)

// Message is a single chat or group message. ServerTime is nil while the
// message is a local echo waiting for the provider to assign its timestamp.
type Message struct {
	ID         string
	ClientID   string
	SenderID   string
	Type       MessageType
	Text       string
	ImageData  string
	Latitude   float64
	Longitude  float64
	ServerTime *time.Time
	Status     MessageStatus
	LocalTime  time.Time
}

// Summary holds the derived last-message fields of one conversation.
type Summary struct {
	ConversationID  string
	LastMessage     string
	LastMessageType MessageType
	Timestamp       *time.Time
	UnreadCount     int
}

// Group is a group conversation document.
type Group struct {
	ID           string
	Name         string
	CreatedBy    string
	CreatedAt    *time.Time
	Participants []string
	Admins       []string
	Summary      Summary
}

// Tab selects which source list the merged view draws from.
type Tab string

const (
	TabPeople Tab = "people"
	TabGroups Tab = "groups"
)

// EntryKind marks a view entry as a contact row or a group row.
type EntryKind string

const (
	KindContact EntryKind = "contact"
	KindGroup   EntryKind = "group"
)

// Entry is one row of the merged, ordered view model.
type Entry struct {
	ID              string
	Name            string
	LastMessage     string
	LastMessageType MessageType
	Timestamp       *time.Time
	UnreadCount     int
	Kind            EntryKind
}

// Placeholder text shown when a conversation has no history.
const (
	NoMessagesPlaceholder = "No messages yet"
	NoChatPlaceholder     = "Start a conversation"
	ImagePreviewText      = "📷 Image"
	LocationPreviewText   = "📍 Location shared"
)
