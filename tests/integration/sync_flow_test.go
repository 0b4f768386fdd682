package integration_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/chatsync/internal/auth"
	"github.com/MarcoPoloResearchLab/chatsync/internal/cache"
	"github.com/MarcoPoloResearchLab/chatsync/internal/coordinator"
	"github.com/MarcoPoloResearchLab/chatsync/internal/database"
	"github.com/MarcoPoloResearchLab/chatsync/internal/remote"
	"github.com/MarcoPoloResearchLab/chatsync/internal/remote/relay"
	"github.com/MarcoPoloResearchLab/chatsync/internal/server"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	controlSigningSecret = "integration-secret"
	relaySession         = "relay-session-1"
	eventDeadline        = 5 * time.Second
)

// scriptedRelay speaks the relay wire protocol with a fixed account.
type scriptedRelay struct {
	pushes chan map[string]any
}

func (r *scriptedRelay) ServeHTTP(w http.ResponseWriter, request *http.Request) {
	conn, err := websocket.Accept(w, request, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()
	ctx := request.Context()

	var hello map[string]any
	if err := wsjson.Read(ctx, conn, &hello); err != nil {
		return
	}
	if err := wsjson.Write(ctx, conn, map[string]any{"type": "hello", "session": relaySession, "authorized": true}); err != nil {
		return
	}

	go func() {
		for {
			select {
			case update := <-r.pushes:
				if err := wsjson.Write(ctx, conn, map[string]any{"type": "update", "update": update}); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		var requestFrame struct {
			ID       string `json:"id"`
			Op       string `json:"op"`
			OffsetID int64  `json:"offset_id"`
		}
		if err := wsjson.Read(ctx, conn, &requestFrame); err != nil {
			return
		}
		reply := map[string]any{"type": "reply", "id": requestFrame.ID}
		switch requestFrame.Op {
		case "conversations":
			reply["conversations"] = []map[string]any{
				relayConversation("individual", 5, `{"id":5,"first_name":"Ada"}`),
				relayConversation("group", 10, `{"id":10,"title":"friends"}`),
				relayConversation("channel", 20, `{"id":20,"title":"news"}`),
			}
		case "messages":
			if requestFrame.OffsetID == 0 {
				reply["messages"] = []map[string]any{
					{"id": 3, "data": json.RawMessage(`{"text":"third"}`)},
					{"id": 2, "data": json.RawMessage(`{"text":"second"}`)},
				}
			} else {
				reply["messages"] = []map[string]any{}
			}
		}
		if err := wsjson.Write(ctx, conn, reply); err != nil {
			return
		}
	}
}

func relayConversation(kind string, id int64, participant string) map[string]any {
	return map[string]any{
		"peer":         map[string]any{"kind": kind, "id": id},
		"participant":  json.RawMessage(participant),
		"conversation": json.RawMessage(`{"peer":{"kind":"` + kind + `","id":` + jsonNumber(id) + `}}`),
	}
}

func jsonNumber(value int64) string {
	encoded, _ := json.Marshal(value)
	return string(encoded)
}

func TestRelayToControlAPIFlow(testContext *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	db, err := database.OpenSQLite(filepath.Join(testContext.TempDir(), "chatsync.db"), logger)
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	testContext.Cleanup(func() { _ = database.Close(db) })
	store, err := cache.New(cache.StoreConfig{Database: db, Codec: cache.JSONCodec{}, Logger: logger})
	if err != nil {
		testContext.Fatalf("failed to build store: %v", err)
	}

	relayServer := &scriptedRelay{pushes: make(chan map[string]any, 4)}
	upstream := httptest.NewServer(relayServer)
	testContext.Cleanup(upstream.Close)

	dialer, err := relay.NewDialer(relay.DialerConfig{URL: "ws" + strings.TrimPrefix(upstream.URL, "http"), Logger: logger})
	if err != nil {
		testContext.Fatalf("failed to build dialer: %v", err)
	}
	client, err := remote.Establish(context.Background(), dialer, store, logger)
	if err != nil {
		testContext.Fatalf("failed to establish relay session: %v", err)
	}
	testContext.Cleanup(func() { _ = client.(*relay.Client).Close() })

	session, err := store.LoadSession(context.Background())
	if err != nil || string(session) != relaySession {
		testContext.Fatalf("expected relay session to be persisted, got %q (%v)", session, err)
	}

	dispatcher := coordinator.NewDispatcher()
	events, cleanup := dispatcher.Subscribe(context.Background())
	defer cleanup()
	syncCoordinator, err := coordinator.New(coordinator.Config{
		Cache:      store,
		Client:     client,
		Logger:     logger,
		Dispatcher: dispatcher,
	})
	if err != nil {
		testContext.Fatalf("failed to start coordinator: %v", err)
	}
	waitFor(testContext, events, coordinator.ChangeConversationsSynced)

	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte(controlSigningSecret)})
	if err != nil {
		testContext.Fatalf("failed to build issuer: %v", err)
	}
	token, _, err := issuer.Issue("terminal")
	if err != nil {
		testContext.Fatalf("failed to issue token: %v", err)
	}
	handler, err := server.NewHTTPHandler(server.Dependencies{Sync: syncCoordinator, TokenManager: issuer, Logger: logger})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}
	control := httptest.NewServer(handler)
	testContext.Cleanup(control.Close)

	var conversations struct {
		Conversations []struct {
			Key int64 `json:"key"`
		} `json:"conversations"`
	}
	getJSON(testContext, control.URL+"/conversations", token, &conversations)
	keys := map[int64]bool{}
	for _, conversation := range conversations.Conversations {
		keys[conversation.Key] = true
	}
	for _, want := range []int64{5, -10, -(1_000_000_000_000 + 20)} {
		if !keys[want] {
			testContext.Fatalf("expected conversation key %d in %v", want, keys)
		}
	}

	refresh, err := http.NewRequest(http.MethodPost, control.URL+"/conversations/-10/refresh", http.NoBody)
	if err != nil {
		testContext.Fatalf("failed to build refresh request: %v", err)
	}
	refresh.Header.Set("Authorization", "Bearer "+token)
	refreshResp, err := http.DefaultClient.Do(refresh)
	if err != nil {
		testContext.Fatalf("refresh request failed: %v", err)
	}
	_ = refreshResp.Body.Close()
	if refreshResp.StatusCode != http.StatusAccepted {
		testContext.Fatalf("expected 202 from refresh, got %d", refreshResp.StatusCode)
	}
	waitFor(testContext, events, coordinator.ChangeMessagesRefreshed)

	relayServer.pushes <- map[string]any{
		"kind":    "message_edited",
		"peer":    map[string]any{"kind": "group", "id": 10},
		"message": map[string]any{"id": 3, "data": json.RawMessage(`{"text":"third, edited"}`)},
	}
	waitFor(testContext, events, coordinator.ChangeMessageUpserted)
	relayServer.pushes <- map[string]any{"kind": "message_deleted", "message_ids": []int64{2}}
	waitFor(testContext, events, coordinator.ChangeMessagesDeleted)

	var messages struct {
		Messages []struct {
			ID      int64           `json:"id"`
			Payload json.RawMessage `json:"payload"`
		} `json:"messages"`
	}
	getJSON(testContext, control.URL+"/conversations/-10/messages", token, &messages)
	if len(messages.Messages) != 1 || messages.Messages[0].ID != 3 {
		testContext.Fatalf("expected only the edited message to remain, got %+v", messages.Messages)
	}
	if !strings.Contains(string(messages.Messages[0].Payload), "edited") {
		testContext.Fatalf("expected edited payload, got %s", messages.Messages[0].Payload)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), eventDeadline)
	defer cancel()
	if err := syncCoordinator.Shutdown(shutdownCtx); err != nil {
		testContext.Fatalf("shutdown failed: %v", err)
	}
	healthResp, err := http.Get(control.URL + "/healthz")
	if err != nil {
		testContext.Fatalf("health request failed: %v", err)
	}
	_ = healthResp.Body.Close()
	if healthResp.StatusCode != http.StatusServiceUnavailable {
		testContext.Fatalf("expected stopped coordinator to report 503, got %d", healthResp.StatusCode)
	}
}

func waitFor(testContext *testing.T, events <-chan coordinator.ChangeEvent, kind coordinator.ChangeKind) {
	testContext.Helper()
	deadline := time.After(eventDeadline)
	for {
		select {
		case event := <-events:
			if event.Kind == kind {
				return
			}
		case <-deadline:
			testContext.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func getJSON(testContext *testing.T, url, token string, target any) {
	testContext.Helper()
	request, err := http.NewRequest(http.MethodGet, url, http.NoBody)
	if err != nil {
		testContext.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Authorization", "Bearer "+token)
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		testContext.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected status %d for %s", response.StatusCode, url)
	}
	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		testContext.Fatalf("failed to decode %s: %v", url, err)
	}
}
