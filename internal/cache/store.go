package cache

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opStoreNew            = "cache.store.new"
	opSaveParticipant     = "cache.save_participant"
	opLoadParticipant     = "cache.load_participant"
	opSaveConversation    = "cache.save_conversation"
	opListConversations   = "cache.list_conversations"
	opUpsertMessage       = "cache.upsert_message"
	opDeleteMessages      = "cache.delete_messages"
	opListMessages        = "cache.list_messages"
	opLoadSession         = "cache.load_session"
	opSaveSession         = "cache.save_session"
	fieldPeer             = "peer"
	fieldConversationKey  = "conversation_key"
	columnID              = "id"
	columnData            = "data"
	columnConversationKey = "conversation_key"
	columnMessageID       = "message_id"
	queryID               = columnID + " = ?"
	queryConversation     = columnConversationKey + " = ?"
	queryConversationIn   = columnConversationKey + " = ? AND " + columnMessageID + " IN ?"
	queryMessageIn        = columnMessageID + " IN ?"
	orderMessageIDDesc    = columnMessageID + " DESC"
)

var noOpLogger = zap.NewNop()

// StoreConfig describes the dependencies of a Store.
type StoreConfig struct {
	Database *gorm.DB
	Codec    Codec
	Logger   *zap.Logger
}

// Store is the persistent conversation cache. It has no locking of its own: every call
// is expected to run under the owner's lock.
type Store struct {
	db     *gorm.DB
	codec  Codec
	logger *zap.Logger
}

// New constructs a Store. The schema is not touched; call EnsureSchema on the handle.
func New(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newCacheError(opStoreNew, "missing_database", ErrStorageIO, errMissingDatabase)
	}
	if cfg.Codec == nil {
		return nil, newCacheError(opStoreNew, "missing_codec", ErrCacheCorrupted, errMissingCodec)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, codec: cfg.Codec, logger: logger}, nil
}

// SaveParticipant replaces the stored descriptor for the participant's native id.
func (s *Store) SaveParticipant(ctx context.Context, participant Participant) error {
	return s.saveParticipant(s.db.WithContext(ctx), participant)
}

// LoadParticipant returns the stored descriptor for peer.
func (s *Store) LoadParticipant(ctx context.Context, peer Peer) (Participant, error) {
	if _, err := NewPeer(peer.Kind, peer.ID); err != nil {
		return Participant{}, s.fail(opLoadParticipant, "invalid_peer", ErrInvalidPeer, err)
	}
	data, err := participantData(s.db.WithContext(ctx), peer)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Participant{}, newCacheError(opLoadParticipant, "not_found", ErrParticipantNotFound, nil)
	}
	if err != nil {
		return Participant{}, s.fail(opLoadParticipant, "query_failed", ErrStorageIO, err, zap.Stringer(fieldPeer, peer))
	}
	return Participant{Peer: peer, Payload: data}, nil
}

// SaveConversation stores the participant and then the conversation in one transaction.
// Rows that a later ListConversations would reject are refused up front: the payload must
// reference the participant it is keyed by, and the participant must be decodable.
func (s *Store) SaveConversation(ctx context.Context, conversation Conversation) error {
	peer := conversation.Participant.Peer
	if _, err := NewPeer(peer.Kind, peer.ID); err != nil {
		return s.fail(opSaveConversation, "invalid_peer", ErrInvalidPeer, err)
	}
	referenced, err := s.codec.ConversationPeer(conversation.Payload)
	if err != nil {
		return s.fail(opSaveConversation, "conversation_undecodable", ErrMalformedPayload, err, zap.Stringer(fieldPeer, peer))
	}
	if referenced != peer {
		mismatch := fmt.Errorf("%w: payload references %s", errIdentityMismatch, referenced)
		return s.fail(opSaveConversation, "peer_mismatch", ErrMalformedPayload, mismatch, zap.Stringer(fieldPeer, peer))
	}
	if err := s.codec.ValidateParticipant(peer.Kind, conversation.Participant.Payload); err != nil {
		return s.fail(opSaveConversation, "participant_undecodable", ErrMalformedPayload, err, zap.Stringer(fieldPeer, peer))
	}
	key := UnifiedID(peer)
	return s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if err := s.saveParticipant(transaction, conversation.Participant); err != nil {
			return err
		}
		record := ConversationRecord{ID: key, Data: conversation.Payload}
		if err := upsertByID(transaction, &record); err != nil {
			return s.fail(opSaveConversation, "upsert_failed", ErrStorageIO, err, zap.Int64(fieldConversationKey, key))
		}
		return nil
	})
}

// ListConversations rebuilds every stored conversation in storage order. The first row
// whose participant cannot be resolved, or resolves to a different unified id, fails the call.
func (s *Store) ListConversations(ctx context.Context) ([]Conversation, error) {
	var records []ConversationRecord
	if err := s.db.WithContext(ctx).Find(&records).Error; err != nil {
		return nil, s.fail(opListConversations, "query_failed", ErrStorageIO, err)
	}

	conversations := make([]Conversation, 0, len(records))
	for _, record := range records {
		peer, err := s.codec.ConversationPeer(record.Data)
		if err != nil {
			return nil, s.fail(opListConversations, "conversation_undecodable", ErrCacheCorrupted, err,
				zap.Int64(fieldConversationKey, record.ID))
		}
		participant, err := s.LoadParticipant(ctx, peer)
		if errors.Is(err, ErrParticipantNotFound) {
			return nil, s.fail(opListConversations, "participant_missing", ErrCacheCorrupted, err,
				zap.Int64(fieldConversationKey, record.ID), zap.Stringer(fieldPeer, peer))
		}
		if err != nil {
			return nil, s.fail(opListConversations, "participant_query_failed", ErrStorageIO, err,
				zap.Int64(fieldConversationKey, record.ID), zap.Stringer(fieldPeer, peer))
		}
		if err := s.codec.ValidateParticipant(peer.Kind, participant.Payload); err != nil {
			return nil, s.fail(opListConversations, "participant_undecodable", ErrCacheCorrupted, err,
				zap.Int64(fieldConversationKey, record.ID), zap.Stringer(fieldPeer, peer))
		}
		if key := UnifiedID(peer); key != record.ID {
			mismatch := fmt.Errorf("%w: row %d references %s (%d)", errIdentityMismatch, record.ID, peer, key)
			return nil, s.fail(opListConversations, "identity_mismatch", ErrCacheCorrupted, mismatch,
				zap.Int64(fieldConversationKey, record.ID), zap.Stringer(fieldPeer, peer))
		}
		conversations = append(conversations, Conversation{
			Participant: participant,
			Payload:     record.Data,
		})
	}
	return conversations, nil
}

// UpsertMessage inserts or replaces a message in the peer's ledger.
func (s *Store) UpsertMessage(ctx context.Context, peer Peer, message Message) error {
	if _, err := NewPeer(peer.Kind, peer.ID); err != nil {
		return s.fail(opUpsertMessage, "invalid_peer", ErrInvalidPeer, err)
	}
	record := MessageRecord{
		ConversationKey: UnifiedID(peer),
		MessageID:       message.ID,
		Data:            message.Payload,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: columnConversationKey}, {Name: columnMessageID}},
		DoUpdates: clause.AssignmentColumns([]string{columnData}),
	}).Create(&record).Error
	if err != nil {
		return s.fail(opUpsertMessage, "upsert_failed", ErrStorageIO, err,
			zap.Stringer(fieldPeer, peer), zap.Int64(columnMessageID, message.ID))
	}
	return nil
}

// DeleteMessages removes the described messages and reports how many rows went away.
// Deleting messages that are not cached is not an error. An out-of-range peer is, even
// when no ids are given.
func (s *Store) DeleteMessages(ctx context.Context, deletion MessageDeletion) (int64, error) {
	if deletion.Peer != nil {
		if _, err := NewPeer(deletion.Peer.Kind, deletion.Peer.ID); err != nil {
			return 0, s.fail(opDeleteMessages, "invalid_peer", ErrInvalidPeer, err)
		}
	}
	if len(deletion.MessageIDs) == 0 {
		return 0, nil
	}
	db := s.db.WithContext(ctx)
	if deletion.Peer != nil {
		db = db.Where(queryConversationIn, UnifiedID(*deletion.Peer), deletion.MessageIDs)
	} else {
		db = db.Where(queryMessageIn, deletion.MessageIDs)
	}
	result := db.Delete(&MessageRecord{})
	if result.Error != nil {
		return 0, s.fail(opDeleteMessages, "delete_failed", ErrStorageIO, result.Error)
	}
	return result.RowsAffected, nil
}

// ListMessages returns the peer's cached messages, newest first. A limit <= 0 returns all.
func (s *Store) ListMessages(ctx context.Context, peer Peer, limit int) ([]Message, error) {
	if _, err := NewPeer(peer.Kind, peer.ID); err != nil {
		return nil, s.fail(opListMessages, "invalid_peer", ErrInvalidPeer, err)
	}
	query := s.db.WithContext(ctx).
		Where(queryConversation, UnifiedID(peer)).
		Order(orderMessageIDDesc)
	if limit > 0 {
		query = query.Limit(limit)
	}
	var records []MessageRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, s.fail(opListMessages, "query_failed", ErrStorageIO, err, zap.Stringer(fieldPeer, peer))
	}
	messages := make([]Message, 0, len(records))
	for _, record := range records {
		messages = append(messages, Message{ID: record.MessageID, Payload: record.Data})
	}
	return messages, nil
}

// LoadSession returns the stored session material, or ErrSessionNotFound on a first run.
func (s *Store) LoadSession(ctx context.Context) ([]byte, error) {
	var record SessionRecord
	err := s.db.WithContext(ctx).Where(queryID, sessionRowID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, newCacheError(opLoadSession, "not_found", ErrSessionNotFound, nil)
	}
	if err != nil {
		return nil, s.fail(opLoadSession, "query_failed", ErrStorageIO, err)
	}
	return record.Data, nil
}

// SaveSession replaces the single session row.
func (s *Store) SaveSession(ctx context.Context, material []byte) error {
	record := SessionRecord{ID: sessionRowID, Data: material}
	if err := upsertByID(s.db.WithContext(ctx), &record); err != nil {
		return s.fail(opSaveSession, "upsert_failed", ErrStorageIO, err)
	}
	return nil
}

func (s *Store) saveParticipant(db *gorm.DB, participant Participant) error {
	peer := participant.Peer
	if _, err := NewPeer(peer.Kind, peer.ID); err != nil {
		return s.fail(opSaveParticipant, "invalid_peer", ErrInvalidPeer, err)
	}
	var record any
	switch peer.Kind {
	case PeerKindIndividual:
		record = &IndividualRecord{ID: peer.ID, Data: participant.Payload}
	case PeerKindGroup:
		record = &GroupRecord{ID: peer.ID, Data: participant.Payload}
	case PeerKindChannel:
		record = &ChannelRecord{ID: peer.ID, Data: participant.Payload}
	default:
		return s.fail(opSaveParticipant, "invalid_peer", ErrInvalidPeer,
			fmt.Errorf("%w: unknown kind %q", ErrInvalidPeer, peer.Kind))
	}
	if err := upsertByID(db, record); err != nil {
		return s.fail(opSaveParticipant, "upsert_failed", ErrStorageIO, err, zap.Stringer(fieldPeer, peer))
	}
	return nil
}

func participantData(db *gorm.DB, peer Peer) ([]byte, error) {
	switch peer.Kind {
	case PeerKindIndividual:
		var record IndividualRecord
		err := db.Where(queryID, peer.ID).Take(&record).Error
		return record.Data, err
	case PeerKindGroup:
		var record GroupRecord
		err := db.Where(queryID, peer.ID).Take(&record).Error
		return record.Data, err
	case PeerKindChannel:
		var record ChannelRecord
		err := db.Where(queryID, peer.ID).Take(&record).Error
		return record.Data, err
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidPeer, peer.Kind)
	}
}

func upsertByID(db *gorm.DB, record any) error {
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: columnID}},
		DoUpdates: clause.AssignmentColumns([]string{columnData}),
	}).Create(record).Error
}

func (s *Store) fail(operation, reason string, kind, err error, fields ...zap.Field) error {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("cache error", attrs...)
	return newCacheError(operation, reason, kind, err)
}
