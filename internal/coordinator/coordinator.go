// Package coordinator owns the conversation cache and runs the background task that
// keeps it in step with the remote service while front ends read from it.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/chatsync/internal/cache"
	"github.com/MarcoPoloResearchLab/chatsync/internal/remote"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const (
	DefaultQueueCapacity = 10
	DefaultPageSize      = 20
	DefaultHistoryLimit  = 100
)

var (
	// ErrCoordinatorStopped reports that Shutdown has begun; callers treat it as a no-op.
	ErrCoordinatorStopped = errors.New("coordinator: stopped")

	errMissingCache  = errors.New("coordinator: cache is required")
	errMissingClient = errors.New("coordinator: remote client is required")
)

// Cache is the part of the persistent cache the coordinator drives.
type Cache interface {
	SaveConversation(ctx context.Context, conversation cache.Conversation) error
	ListConversations(ctx context.Context) ([]cache.Conversation, error)
	UpsertMessage(ctx context.Context, peer cache.Peer, message cache.Message) error
	DeleteMessages(ctx context.Context, deletion cache.MessageDeletion) (int64, error)
	ListMessages(ctx context.Context, peer cache.Peer, limit int) ([]cache.Message, error)
}

// State is the lifecycle phase of a Coordinator.
type State int32

const (
	StateStarting State = iota
	StateInitializing
	StateServing
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateInitializing:
		return "initializing"
	case StateServing:
		return "serving"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// CommandKind enumerates user-initiated requests.
type CommandKind string

// CommandRefreshMessages asks for the latest messages of one conversation.
const CommandRefreshMessages CommandKind = "refresh_messages"

// Command is a queued request for the background task.
type Command struct {
	ID   string
	Kind CommandKind
	Peer cache.Peer
}

// Config describes the dependencies and tunables of a Coordinator.
type Config struct {
	Cache  Cache
	Client remote.Client
	Logger *zap.Logger
	// QueueCapacity bounds outstanding commands; submitters block beyond it.
	QueueCapacity int
	// PageSize is the number of messages requested per round trip.
	PageSize int
	// HistoryLimit caps messages fetched per refresh; negative means no cap.
	HistoryLimit int
	// InitialSyncBackOff paces retries of the bulk conversation fetch.
	InitialSyncBackOff backoff.BackOff
	// UpdateBackOff paces retries after the update stream fails.
	UpdateBackOff backoff.BackOff
	Metrics       *Metrics
	Dispatcher    *Dispatcher
	IDProvider    IDProvider
	Clock         func() time.Time
}

// Coordinator is the single owner of the cache. All cache access, from the background
// task and from callers alike, is serialized by one mutex.
type Coordinator struct {
	mu    sync.Mutex
	cache Cache

	client         remote.Client
	logger         *zap.Logger
	metrics        *Metrics
	dispatcher     *Dispatcher
	idProvider     IDProvider
	clock          func() time.Time
	pageSize       int
	historyLimit   int
	initialBackOff backoff.BackOff
	updateBackOff  backoff.BackOff

	commands chan Command
	submitMu sync.RWMutex
	closed   bool
	stopOnce sync.Once

	stopCtx    context.Context
	stopCancel context.CancelFunc
	runCtx     context.Context
	runCancel  context.CancelFunc
	pumpWG     sync.WaitGroup
	done       chan struct{}
	state      atomic.Int32
}

// New validates cfg and starts the background task.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Cache == nil {
		return nil, errMissingCache
	}
	if cfg.Client == nil {
		return nil, errMissingClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	queueCapacity := cfg.QueueCapacity
	if queueCapacity <= 0 {
		queueCapacity = DefaultQueueCapacity
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	historyLimit := cfg.HistoryLimit
	if historyLimit == 0 {
		historyLimit = DefaultHistoryLimit
	}
	initialBackOff := cfg.InitialSyncBackOff
	if initialBackOff == nil {
		initialBackOff = newUnboundedBackOff(time.Second, time.Minute)
	}
	updateBackOff := cfg.UpdateBackOff
	if updateBackOff == nil {
		updateBackOff = newUnboundedBackOff(500*time.Millisecond, 30*time.Second)
	}
	dispatcher := cfg.Dispatcher
	if dispatcher == nil {
		dispatcher = NewDispatcher()
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	stopCtx, stopCancel := context.WithCancel(context.Background())
	runCtx, runCancel := context.WithCancel(context.Background())
	coordinator := &Coordinator{
		cache:          cfg.Cache,
		client:         cfg.Client,
		logger:         logger,
		metrics:        cfg.Metrics,
		dispatcher:     dispatcher,
		idProvider:     idProvider,
		clock:          clock,
		pageSize:       pageSize,
		historyLimit:   historyLimit,
		initialBackOff: initialBackOff,
		updateBackOff:  updateBackOff,
		commands:       make(chan Command, queueCapacity),
		stopCtx:        stopCtx,
		stopCancel:     stopCancel,
		runCtx:         runCtx,
		runCancel:      runCancel,
		done:           make(chan struct{}),
	}
	coordinator.state.Store(int32(StateStarting))
	go coordinator.run()
	return coordinator, nil
}

// State reports the current lifecycle phase.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// ListConversations returns a snapshot of every cached conversation. It reflects all
// writes completed before the call acquired the cache lock.
func (c *Coordinator) ListConversations(ctx context.Context) ([]cache.Conversation, error) {
	if c.State() == StateStopped {
		return nil, ErrCoordinatorStopped
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.ListConversations(ctx)
}

// ListMessages returns up to limit cached messages of peer, newest first.
func (c *Coordinator) ListMessages(ctx context.Context, peer cache.Peer, limit int) ([]cache.Message, error) {
	if c.State() == StateStopped {
		return nil, ErrCoordinatorStopped
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.ListMessages(ctx, peer, limit)
}

// RequestMessageRefresh queues a refresh of peer's messages. It blocks while the queue
// is full, until ctx is done or shutdown begins.
func (c *Coordinator) RequestMessageRefresh(ctx context.Context, peer cache.Peer) error {
	if _, err := cache.NewPeer(peer.Kind, peer.ID); err != nil {
		return err
	}
	commandID, err := c.idProvider.NewID()
	if err != nil {
		return fmt.Errorf("coordinator: command id: %w", err)
	}
	command := Command{ID: commandID, Kind: CommandRefreshMessages, Peer: peer}

	c.submitMu.RLock()
	defer c.submitMu.RUnlock()
	if c.closed {
		return ErrCoordinatorStopped
	}
	select {
	case c.commands <- command:
		c.metrics.setQueueDepth(len(c.commands))
		c.logger.Debug("command queued",
			zap.String("command_id", command.ID),
			zap.String("kind", string(command.Kind)),
			zap.Stringer("peer", peer))
		return nil
	case <-c.stopCtx.Done():
		return ErrCoordinatorStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe streams change events until ctx is done or the returned cleanup runs.
func (c *Coordinator) Subscribe(ctx context.Context) (<-chan ChangeEvent, func()) {
	return c.dispatcher.Subscribe(ctx)
}

// Shutdown closes the command queue and waits for the background task to finish.
// Only the first call shuts down; later calls return ErrCoordinatorStopped. If ctx ends
// first, in-flight remote calls are cancelled and ctx's error is returned.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	first := false
	c.stopOnce.Do(func() {
		first = true
	})
	if !first {
		return ErrCoordinatorStopped
	}

	c.state.Store(int32(StateStopping))
	c.stopCancel()

	c.submitMu.Lock()
	c.closed = true
	close(c.commands)
	c.submitMu.Unlock()

	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		c.runCancel()
		<-c.done
		return ctx.Err()
	}
}

func newUnboundedBackOff(initial, maxInterval time.Duration) backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = initial
	policy.MaxInterval = maxInterval
	policy.MaxElapsedTime = 0
	return policy
}
