package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/chatsync/internal/auth"
	"github.com/MarcoPoloResearchLab/chatsync/internal/cache"
	"github.com/MarcoPoloResearchLab/chatsync/internal/coordinator"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	subjectContextKey        = "chatsync_subject"
	accessTokenQueryKey      = "access_token"
	defaultMessageLimit      = 50
	defaultHeartbeatInterval = 25 * time.Second
	eventHeartbeat           = "heartbeat"
)

var (
	errMissingSyncService   = errors.New("sync service dependency required")
	errMissingTokenManager  = errors.New("token manager dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// SyncService is the coordinator surface the control API drives.
type SyncService interface {
	State() coordinator.State
	ListConversations(ctx context.Context) ([]cache.Conversation, error)
	ListMessages(ctx context.Context, peer cache.Peer, limit int) ([]cache.Message, error)
	RequestMessageRefresh(ctx context.Context, peer cache.Peer) error
	Subscribe(ctx context.Context) (<-chan coordinator.ChangeEvent, func())
}

type TokenValidator interface {
	ValidateToken(token string) (string, error)
	ValidateRequest(r *http.Request) (string, error)
}

type Dependencies struct {
	Sync         SyncService
	TokenManager TokenValidator
	// Metrics serves /metrics when set.
	Metrics           http.Handler
	Logger            *zap.Logger
	HeartbeatInterval time.Duration
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sync == nil {
		return nil, errMissingSyncService
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		sync:      deps.Sync,
		tokens:    deps.TokenManager,
		logger:    logger,
		heartbeat: heartbeat,
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/conversations", handler.handleListConversations)
	protected.GET("/conversations/:key/messages", handler.handleListMessages)
	protected.POST("/conversations/:key/refresh", handler.handleRefresh)
	protected.GET("/events", handler.handleEvents)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:    []string{"Authorization", "Content-Type"},
		MaxAge:          12 * time.Hour,
	})
}

type httpHandler struct {
	sync      SyncService
	tokens    TokenValidator
	logger    *zap.Logger
	heartbeat time.Duration
}

type conversationPayload struct {
	Key         int64  `json:"key"`
	Kind        string `json:"kind"`
	ID          int64  `json:"id"`
	Participant any    `json:"participant"`
	Payload     any    `json:"payload"`
}

type conversationsResponse struct {
	Conversations []conversationPayload `json:"conversations"`
}

type messagePayload struct {
	ID      int64 `json:"id"`
	Payload any   `json:"payload"`
}

type messagesResponse struct {
	Key      int64            `json:"key"`
	Messages []messagePayload `json:"messages"`
}

type changeEventPayload struct {
	Kind             string  `json:"kind"`
	ConversationKeys []int64 `json:"conversationKeys"`
	MessageIDs       []int64 `json:"messageIds"`
	Timestamp        string  `json:"timestamp"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	state := h.sync.State()
	status := http.StatusOK
	if state == coordinator.StateStopping || state == coordinator.StateStopped {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"status": http.StatusText(status), "state": state.String()})
}

func (h *httpHandler) handleListConversations(c *gin.Context) {
	conversations, err := h.sync.ListConversations(c.Request.Context())
	if err != nil {
		h.respondError(c, "list_conversations", err)
		return
	}
	response := conversationsResponse{Conversations: make([]conversationPayload, 0, len(conversations))}
	for _, conversation := range conversations {
		peer := conversation.Participant.Peer
		response.Conversations = append(response.Conversations, conversationPayload{
			Key:         conversation.Key(),
			Kind:        peer.Kind.String(),
			ID:          peer.ID,
			Participant: rawPayload(conversation.Participant.Payload),
			Payload:     rawPayload(conversation.Payload),
		})
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleListMessages(c *gin.Context) {
	key, peer, ok := h.conversationFromPath(c)
	if !ok {
		return
	}
	limit := defaultMessageLimit
	if rawLimit := c.Query("limit"); rawLimit != "" {
		parsed, err := strconv.Atoi(rawLimit)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}
	messages, err := h.sync.ListMessages(c.Request.Context(), peer, limit)
	if err != nil {
		h.respondError(c, "list_messages", err)
		return
	}
	response := messagesResponse{Key: key, Messages: make([]messagePayload, 0, len(messages))}
	for _, message := range messages {
		response.Messages = append(response.Messages, messagePayload{ID: message.ID, Payload: rawPayload(message.Payload)})
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleRefresh(c *gin.Context) {
	key, peer, ok := h.conversationFromPath(c)
	if !ok {
		return
	}
	if err := h.sync.RequestMessageRefresh(c.Request.Context(), peer); err != nil {
		h.respondError(c, "request_refresh", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued", "key": key})
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	ctx := c.Request.Context()
	stream, cleanup := h.sync.Subscribe(ctx)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Stream(func(io.Writer) bool {
		select {
		case event := <-stream:
			c.SSEvent(string(event.Kind), changeEventPayload{
				Kind:             string(event.Kind),
				ConversationKeys: event.ConversationKeys,
				MessageIDs:       event.MessageIDs,
				Timestamp:        event.Timestamp.UTC().Format(time.RFC3339Nano),
			})
			return true
		case tick := <-ticker.C:
			c.SSEvent(eventHeartbeat, gin.H{"timestamp": tick.UTC().Format(time.RFC3339)})
			return true
		case <-ctx.Done():
			return false
		}
	})
}

func (h *httpHandler) conversationFromPath(c *gin.Context) (int64, cache.Peer, bool) {
	key, err := strconv.ParseInt(c.Param("key"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_key"})
		return 0, cache.Peer{}, false
	}
	peer, err := cache.PeerFromUnifiedID(key)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_key"})
		return 0, cache.Peer{}, false
	}
	return key, peer, true
}

func (h *httpHandler) respondError(c *gin.Context, operation string, err error) {
	switch {
	case errors.Is(err, coordinator.ErrCoordinatorStopped):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "stopped"})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable"})
	case errors.Is(err, cache.ErrInvalidPeer):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_key"})
	case errors.Is(err, cache.ErrCacheCorrupted):
		h.logger.Error("cache corrupted", zap.String("operation", operation), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cache_corrupted"})
	default:
		h.logger.Error("control request failed", zap.String("operation", operation), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
	}
}

// authorizeRequest accepts the token from the Authorization header, or from the
// access_token query parameter for EventSource clients that cannot set headers. The
// query parameter is consulted only when no header is present.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	var (
		subject string
		err     error
	)
	if c.GetHeader("Authorization") != "" {
		subject, err = h.tokens.ValidateRequest(c.Request)
	} else {
		subject, err = h.tokens.ValidateToken(c.Query(accessTokenQueryKey))
	}
	if errors.Is(err, auth.ErrMissingToken) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(subjectContextKey, subject)
	c.Next()
}

// rawPayload embeds JSON payloads verbatim and falls back to base64 for anything else.
func rawPayload(data []byte) any {
	if len(data) > 0 && json.Valid(data) {
		return json.RawMessage(data)
	}
	return data
}
