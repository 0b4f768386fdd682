package coordinator

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/chatsync/internal/cache"
	"github.com/MarcoPoloResearchLab/chatsync/internal/remote"
	"github.com/cenkalti/backoff/v4"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const eventDeadline = 2 * time.Second

type fakeClient struct {
	mu                sync.Mutex
	conversations     []cache.Conversation
	conversationErrs  []error
	conversationCalls int
	conversationGate  chan struct{}
	messages          map[int64][]cache.Message
	messageErr        error
	pageSizes         []int
	updates           chan remote.Update
	updateErrs        []error
	nextUpdateCalls   int
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		messages: make(map[int64][]cache.Message),
		updates:  make(chan remote.Update),
	}
}

func (f *fakeClient) Conversations(ctx context.Context) iter.Seq2[cache.Conversation, error] {
	return func(yield func(cache.Conversation, error) bool) {
		f.mu.Lock()
		f.conversationCalls++
		gate := f.conversationGate
		var failure error
		if len(f.conversationErrs) > 0 {
			failure = f.conversationErrs[0]
			f.conversationErrs = f.conversationErrs[1:]
		}
		conversations := append([]cache.Conversation(nil), f.conversations...)
		f.mu.Unlock()

		if gate != nil {
			select {
			case <-gate:
			case <-ctx.Done():
				yield(cache.Conversation{}, ctx.Err())
				return
			}
		}
		if failure != nil {
			yield(cache.Conversation{}, failure)
			return
		}
		for _, conversation := range conversations {
			if !yield(conversation, nil) {
				return
			}
		}
	}
}

func (f *fakeClient) Messages(ctx context.Context, peer cache.Peer, pageSize int) iter.Seq2[cache.Message, error] {
	return func(yield func(cache.Message, error) bool) {
		f.mu.Lock()
		f.pageSizes = append(f.pageSizes, pageSize)
		messages := append([]cache.Message(nil), f.messages[cache.UnifiedID(peer)]...)
		failure := f.messageErr
		f.mu.Unlock()

		for _, message := range messages {
			if ctx.Err() != nil {
				yield(cache.Message{}, ctx.Err())
				return
			}
			if !yield(message, nil) {
				return
			}
		}
		if failure != nil {
			yield(cache.Message{}, failure)
		}
	}
}

func (f *fakeClient) NextUpdate(ctx context.Context) (remote.Update, error) {
	f.mu.Lock()
	f.nextUpdateCalls++
	if len(f.updateErrs) > 0 {
		failure := f.updateErrs[0]
		f.updateErrs = f.updateErrs[1:]
		f.mu.Unlock()
		return remote.Update{}, failure
	}
	f.mu.Unlock()
	select {
	case update := <-f.updates:
		return update, nil
	case <-ctx.Done():
		return remote.Update{}, ctx.Err()
	}
}

func (f *fakeClient) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conversationCalls
}

func (f *fakeClient) updateCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nextUpdateCalls
}

func mustPeer(t *testing.T, kind cache.PeerKind, id int64) cache.Peer {
	t.Helper()
	peer, err := cache.NewPeer(kind, id)
	if err != nil {
		t.Fatalf("unexpected peer error: %v", err)
	}
	return peer
}

func mustCache(t *testing.T) *cache.Store {
	t.Helper()
	database, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "cache.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	store, err := cache.New(cache.StoreConfig{Database: database, Codec: cache.JSONCodec{}, Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := cache.EnsureSchema(database); err != nil {
		t.Fatalf("failed to ensure schema: %v", err)
	}
	return store
}

func testConversation(peer cache.Peer, title string) cache.Conversation {
	return cache.Conversation{
		Participant: cache.Participant{
			Peer:    peer,
			Payload: []byte(fmt.Sprintf(`{"id":%d,"title":%q}`, peer.ID, title)),
		},
		Payload: []byte(fmt.Sprintf(`{"peer":{"kind":%q,"id":%d},"unread_count":0}`, peer.Kind, peer.ID)),
	}
}

func testMessage(id int64, text string) cache.Message {
	return cache.Message{ID: id, Payload: []byte(fmt.Sprintf(`{"id":%d,"text":%q}`, id, text))}
}

// startCoordinator subscribes before the background task starts producing events.
func startCoordinator(t *testing.T, cfg Config) (*Coordinator, <-chan ChangeEvent) {
	t.Helper()
	if cfg.Cache == nil {
		cfg.Cache = mustCache(t)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.InitialSyncBackOff == nil {
		cfg.InitialSyncBackOff = backoff.NewConstantBackOff(time.Millisecond)
	}
	if cfg.UpdateBackOff == nil {
		cfg.UpdateBackOff = backoff.NewConstantBackOff(time.Millisecond)
	}
	if cfg.Dispatcher == nil {
		cfg.Dispatcher = NewDispatcher()
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	events, _ := cfg.Dispatcher.Subscribe(ctx)

	coordinator, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to start coordinator: %v", err)
	}
	t.Cleanup(func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), eventDeadline)
		defer shutdownCancel()
		if err := coordinator.Shutdown(shutdownCtx); err != nil && !errors.Is(err, ErrCoordinatorStopped) {
			t.Errorf("shutdown failed: %v", err)
		}
	})
	return coordinator, events
}

func waitForEvent(t *testing.T, events <-chan ChangeEvent, kind ChangeKind) ChangeEvent {
	t.Helper()
	deadline := time.After(eventDeadline)
	for {
		select {
		case event := <-events:
			if event.Kind == kind {
				return event
			}
		case <-deadline:
			t.Fatalf("expected %s event within deadline", kind)
		}
	}
}

func eventually(t *testing.T, description string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(eventDeadline)
	for !condition() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", description)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func hasMessage(coordinator *Coordinator, peer cache.Peer, messageID int64) bool {
	messages, err := coordinator.ListMessages(context.Background(), peer, 0)
	if err != nil {
		return false
	}
	for _, message := range messages {
		if message.ID == messageID {
			return true
		}
	}
	return false
}

func pushUpdate(t *testing.T, client *fakeClient, update remote.Update) {
	t.Helper()
	select {
	case client.updates <- update:
	case <-time.After(eventDeadline):
		t.Fatalf("update %s was not consumed", update.Kind)
	}
}
