package cache

import (
	"fmt"
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func mustPeer(t *testing.T, kind PeerKind, id int64) Peer {
	t.Helper()
	peer, err := NewPeer(kind, id)
	if err != nil {
		t.Fatalf("unexpected peer error: %v", err)
	}
	return peer
}

func mustStore(t *testing.T) *Store {
	t.Helper()
	database, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "cache.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	store, err := New(StoreConfig{Database: database, Codec: JSONCodec{}, Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := EnsureSchema(database); err != nil {
		t.Fatalf("failed to ensure schema: %v", err)
	}
	return store
}

func conversationPayload(peer Peer, unread int) []byte {
	return []byte(fmt.Sprintf(`{"peer":{"kind":%q,"id":%d},"unread_count":%d,"muted":false}`, peer.Kind, peer.ID, unread))
}

func participantPayload(peer Peer, title string) []byte {
	return []byte(fmt.Sprintf(`{"id":%d,"title":%q}`, peer.ID, title))
}

func testConversation(peer Peer, title string) Conversation {
	return Conversation{
		Participant: Participant{Peer: peer, Payload: participantPayload(peer, title)},
		Payload:     conversationPayload(peer, 0),
	}
}
