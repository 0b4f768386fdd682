// Package relay implements the remote collaborator over a JSON websocket relay.
package relay

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/chatsync/internal/cache"
	"github.com/MarcoPoloResearchLab/chatsync/internal/remote"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	maxFrameBytes           = 16 << 20
)

var (
	// ErrNotAuthorized reports that the relay holds no signed-in account for the session.
	ErrNotAuthorized = errors.New("relay: session not authorized")
	// ErrClosed reports use of a client whose connection has ended.
	ErrClosed = remote.ErrClosed

	errMissingURL          = errors.New("relay: url is required")
	errUnexpectedHandshake = errors.New("relay: unexpected handshake frame")
)

// ReplyError carries a failure reported by the relay for one request.
type ReplyError struct {
	Op      string
	Message string
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("relay: %s: %s", e.Op, e.Message)
}

// DialerConfig configures a Dialer.
type DialerConfig struct {
	URL              string
	HTTPClient       *http.Client
	HandshakeTimeout time.Duration
	Logger           *zap.Logger
}

// Dialer opens relay connections.
type Dialer struct {
	url              string
	httpClient       *http.Client
	handshakeTimeout time.Duration
	logger           *zap.Logger
}

// NewDialer validates cfg.
func NewDialer(cfg DialerConfig) (*Dialer, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errMissingURL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	return &Dialer{
		url:              cfg.URL,
		httpClient:       cfg.HTTPClient,
		handshakeTimeout: timeout,
		logger:           logger,
	}, nil
}

// Dial connects, presents session and waits for the relay's hello. The relay's session
// material is returned for persistence.
func (d *Dialer) Dial(ctx context.Context, session []byte) (remote.Client, []byte, error) {
	handshakeCtx, cancel := context.WithTimeout(ctx, d.handshakeTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(handshakeCtx, d.url, &websocket.DialOptions{HTTPClient: d.httpClient})
	if err != nil {
		d.logger.Error("relay dial failed", zap.String("operation", "relay.dial"), zap.String("reason", "connect_failed"), zap.Error(err))
		return nil, nil, fmt.Errorf("relay: dial: %w", err)
	}
	conn.SetReadLimit(maxFrameBytes)

	if err := wsjson.Write(handshakeCtx, conn, frame{Type: frameTypeHello, Session: string(session)}); err != nil {
		conn.CloseNow()
		return nil, nil, fmt.Errorf("relay: send hello: %w", err)
	}
	var hello frame
	if err := wsjson.Read(handshakeCtx, conn, &hello); err != nil {
		conn.CloseNow()
		return nil, nil, fmt.Errorf("relay: read hello: %w", err)
	}
	if hello.Type != frameTypeHello {
		conn.CloseNow()
		return nil, nil, fmt.Errorf("%w: %q", errUnexpectedHandshake, hello.Type)
	}
	if !hello.Authorized {
		conn.Close(websocket.StatusPolicyViolation, "not authorized")
		d.logger.Warn("relay session not authorized", zap.String("operation", "relay.dial"), zap.String("reason", "not_authorized"))
		return nil, nil, ErrNotAuthorized
	}

	client := newClient(conn, d.logger)
	go client.readLoop()
	d.logger.Info("relay connected", zap.String("url", d.url))
	return client, []byte(hello.Session), nil
}

// Client is a connected relay session. It is safe for concurrent use.
type Client struct {
	conn   *websocket.Conn
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending map[string]chan frame
	updates []remote.Update
	notify  chan struct{}
	done    chan struct{}
	err     error
}

func newClient(conn *websocket.Conn, logger *zap.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		conn:    conn,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[string]chan frame),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Close ends the connection. Blocked calls return ErrClosed.
func (c *Client) Close() error {
	c.cancel()
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

func (c *Client) Conversations(ctx context.Context) iter.Seq2[cache.Conversation, error] {
	return func(yield func(cache.Conversation, error) bool) {
		reply, err := c.roundTrip(ctx, frame{Op: opConversations})
		if err != nil {
			yield(cache.Conversation{}, err)
			return
		}
		for _, conversation := range reply.Conversations {
			if !yield(conversation.conversation(), nil) {
				return
			}
		}
	}
}

// Messages pages backwards from the newest message. A page shorter than pageSize ends
// the history.
func (c *Client) Messages(ctx context.Context, peer cache.Peer, pageSize int) iter.Seq2[cache.Message, error] {
	return func(yield func(cache.Message, error) bool) {
		var offsetID int64
		for {
			reply, err := c.roundTrip(ctx, frame{
				Op:       opMessages,
				Peer:     newPeerFrame(peer),
				Limit:    pageSize,
				OffsetID: offsetID,
			})
			if err != nil {
				yield(cache.Message{}, err)
				return
			}
			for _, message := range reply.Messages {
				if !yield(message.message(), nil) {
					return
				}
			}
			if len(reply.Messages) == 0 || len(reply.Messages) < pageSize {
				return
			}
			nextOffsetID := reply.Messages[len(reply.Messages)-1].ID
			if offsetID != 0 && nextOffsetID >= offsetID {
				c.logger.Warn("relay ignored message offset, ending history",
					zap.String("operation", "relay.messages"),
					zap.String("reason", "offset_not_decreasing"),
					zap.Int64("offset_id", offsetID))
				return
			}
			offsetID = nextOffsetID
		}
	}
}

// NextUpdate returns pushed updates in arrival order.
func (c *Client) NextUpdate(ctx context.Context) (remote.Update, error) {
	for {
		c.mu.Lock()
		if len(c.updates) > 0 {
			update := c.updates[0]
			c.updates = c.updates[1:]
			c.mu.Unlock()
			return update, nil
		}
		c.mu.Unlock()

		select {
		case <-c.notify:
		case <-c.done:
			return remote.Update{}, c.closedErr()
		case <-ctx.Done():
			return remote.Update{}, ctx.Err()
		}
	}
}

func (c *Client) roundTrip(ctx context.Context, request frame) (frame, error) {
	request.Type = frameTypeRequest
	request.ID = uuid.NewString()
	replies := make(chan frame, 1)

	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return frame{}, c.closedErr()
	}
	c.pending[request.ID] = replies
	c.mu.Unlock()
	defer c.forget(request.ID)

	if err := wsjson.Write(ctx, c.conn, request); err != nil {
		c.logger.Error("relay request failed",
			zap.String("operation", "relay."+request.Op),
			zap.String("reason", "write_failed"),
			zap.Error(err))
		return frame{}, fmt.Errorf("relay: %s: %w", request.Op, err)
	}

	select {
	case reply := <-replies:
		if reply.Error != "" {
			return frame{}, &ReplyError{Op: request.Op, Message: reply.Error}
		}
		return reply, nil
	case <-c.done:
		return frame{}, c.closedErr()
	case <-ctx.Done():
		return frame{}, ctx.Err()
	}
}

func (c *Client) forget(requestID string) {
	c.mu.Lock()
	delete(c.pending, requestID)
	c.mu.Unlock()
}

// readLoop is the only reader of the connection. Updates are queued without bound so a
// slow consumer never holds up replies.
func (c *Client) readLoop() {
	var err error
	defer func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	}()
	for {
		var incoming frame
		if err = wsjson.Read(c.ctx, c.conn, &incoming); err != nil {
			if c.ctx.Err() == nil {
				c.logger.Warn("relay connection ended", zap.String("operation", "relay.read"), zap.String("reason", "read_failed"), zap.Error(err))
			}
			return
		}
		switch incoming.Type {
		case frameTypeReply:
			c.mu.Lock()
			replies, ok := c.pending[incoming.ID]
			c.mu.Unlock()
			if !ok {
				c.logger.Debug("dropping reply for unknown request", zap.String("request_id", incoming.ID))
				continue
			}
			select {
			case replies <- incoming:
			default:
			}
		case frameTypeUpdate:
			if incoming.Update == nil {
				continue
			}
			c.mu.Lock()
			c.updates = append(c.updates, incoming.Update.update())
			c.mu.Unlock()
			select {
			case c.notify <- struct{}{}:
			default:
			}
		default:
			c.logger.Debug("ignoring relay frame", zap.String("type", incoming.Type))
		}
	}
}

func (c *Client) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		return ErrClosed
	}
	return fmt.Errorf("%w: %w", ErrClosed, c.err)
}
