package cache

import "gorm.io/gorm"

const sessionRowID int64 = 1

// Participant pairs a peer reference with the collaborator's serialized descriptor.
type Participant struct {
	Peer    Peer
	Payload []byte
}

// Conversation is the composite dialog entity: its participant plus the serialized
// per-conversation metadata (unread counters, mute state, peer reference).
type Conversation struct {
	Participant Participant
	Payload     []byte
}

// Key returns the unified identity the conversation is stored under.
func (conversation Conversation) Key() int64 {
	return UnifiedID(conversation.Participant.Peer)
}

// Message is a serialized message scoped to one conversation.
type Message struct {
	ID      int64
	Payload []byte
}

// MessageDeletion describes removed messages. A nil Peer removes the ids from every
// conversation, for services that number messages per account rather than per chat.
type MessageDeletion struct {
	Peer       *Peer
	MessageIDs []int64
}

// IndividualRecord stores a serialized individual keyed by native id.
type IndividualRecord struct {
	ID   int64  `gorm:"column:id;primaryKey;autoIncrement:false"`
	Data []byte `gorm:"column:data"`
}

// TableName provides the explicit table binding for GORM.
func (IndividualRecord) TableName() string {
	return "individuals"
}

// GroupRecord stores a serialized group keyed by native id.
type GroupRecord struct {
	ID   int64  `gorm:"column:id;primaryKey;autoIncrement:false"`
	Data []byte `gorm:"column:data"`
}

// TableName provides the explicit table binding for GORM.
func (GroupRecord) TableName() string {
	return "groups"
}

// ChannelRecord stores a serialized channel keyed by native id.
type ChannelRecord struct {
	ID   int64  `gorm:"column:id;primaryKey;autoIncrement:false"`
	Data []byte `gorm:"column:data"`
}

// TableName provides the explicit table binding for GORM.
func (ChannelRecord) TableName() string {
	return "channels"
}

// ConversationRecord stores a serialized conversation keyed by unified id.
type ConversationRecord struct {
	ID   int64  `gorm:"column:id;primaryKey;autoIncrement:false"`
	Data []byte `gorm:"column:data"`
}

// TableName provides the explicit table binding for GORM.
func (ConversationRecord) TableName() string {
	return "conversations"
}

// SessionRecord stores the collaborator's session material under a fixed key.
type SessionRecord struct {
	ID   int64  `gorm:"column:id;primaryKey;autoIncrement:false"`
	Data []byte `gorm:"column:data"`
}

// TableName provides the explicit table binding for GORM.
func (SessionRecord) TableName() string {
	return "session"
}

// MessageRecord is one entry of a conversation's message ledger.
type MessageRecord struct {
	ConversationKey int64  `gorm:"column:conversation_key;primaryKey;autoIncrement:false"`
	MessageID       int64  `gorm:"column:message_id;primaryKey;autoIncrement:false"`
	Data            []byte `gorm:"column:data"`
}

// TableName provides the explicit table binding for GORM.
func (MessageRecord) TableName() string {
	return "messages"
}

// EnsureSchema creates the cache tables when absent. It never drops or rewrites data.
func EnsureSchema(db *gorm.DB) error {
	return db.AutoMigrate(
		&IndividualRecord{},
		&GroupRecord{},
		&ChannelRecord{},
		&ConversationRecord{},
		&SessionRecord{},
		&MessageRecord{},
	)
}
