package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/chatsync/internal/cache"
	"github.com/MarcoPoloResearchLab/chatsync/internal/remote"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

func (c *Coordinator) run() {
	defer close(c.done)
	defer c.state.Store(int32(StateStopped))
	defer c.pumpWG.Wait()
	defer c.runCancel()

	c.state.CompareAndSwap(int32(StateStarting), int32(StateInitializing))
	if err := c.initialSync(); err != nil {
		if c.stopCtx.Err() != nil {
			c.logger.Info("initial sync abandoned during shutdown", zap.Error(err))
			return
		}
		c.logger.Error("initial sync gave up, serving cached data", zap.Error(err))
	}
	c.state.CompareAndSwap(int32(StateInitializing), int32(StateServing))

	updates := make(chan remote.Update)
	c.pumpWG.Add(1)
	go c.pumpUpdates(updates)
	c.serve(updates)
}

// serve alternates between the command queue and the update stream until the queue is
// closed. select picks uniformly among ready cases, so neither source starves the other.
func (c *Coordinator) serve(updates <-chan remote.Update) {
	for {
		select {
		case command, ok := <-c.commands:
			if !ok {
				c.logger.Info("command queue closed, leaving serving loop")
				return
			}
			c.metrics.setQueueDepth(len(c.commands))
			c.handleCommand(command)
		case update := <-updates:
			c.handleUpdate(update)
		}
	}
}

// initialSync is abandoned as soon as shutdown begins; nothing is serving yet.
func (c *Coordinator) initialSync() error {
	ctx, cancel := context.WithCancel(c.runCtx)
	defer cancel()
	stop := context.AfterFunc(c.stopCtx, cancel)
	defer stop()

	operation := func() error {
		c.metrics.observeInitialSyncAttempt()
		conversations := make([]cache.Conversation, 0)
		for conversation, err := range c.client.Conversations(ctx) {
			if err != nil {
				return err
			}
			conversations = append(conversations, conversation)
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		keys := make([]int64, 0, len(conversations))
		for _, conversation := range conversations {
			err := c.cache.SaveConversation(ctx, conversation)
			if errors.Is(err, cache.ErrInvalidPeer) || errors.Is(err, cache.ErrMalformedPayload) {
				c.logger.Warn("skipping unstorable conversation",
					zap.Stringer("peer", conversation.Participant.Peer), zap.Error(err))
				continue
			}
			if err != nil {
				return err
			}
			keys = append(keys, conversation.Key())
		}
		c.logger.Info("initial sync complete", zap.Int("conversations", len(keys)))
		c.publish(ChangeConversationsSynced, keys, nil)
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("initial sync failed, retrying", zap.Error(err), zap.Duration("retry_in", wait))
	}
	return backoff.RetryNotify(operation, backoff.WithContext(c.initialBackOff, c.stopCtx), notify)
}

func (c *Coordinator) handleCommand(command Command) {
	switch command.Kind {
	case CommandRefreshMessages:
		if err := c.refreshMessages(command); err != nil {
			c.metrics.observeCommand(command.Kind, outcomeFailed)
			c.logger.Error("refresh messages failed",
				zap.String("command_id", command.ID),
				zap.Stringer("peer", command.Peer),
				zap.Error(err))
			return
		}
		c.metrics.observeCommand(command.Kind, outcomeApplied)
	default:
		c.metrics.observeCommand(command.Kind, outcomeIgnored)
		c.logger.Warn("ignoring unknown command", zap.String("command_id", command.ID), zap.String("kind", string(command.Kind)))
	}
}

// refreshMessages fetches outside the lock and then persists under it. Messages fetched
// before a fetch failure are still stored.
func (c *Coordinator) refreshMessages(command Command) error {
	fetched := make([]cache.Message, 0, c.pageSize)
	var fetchErr error
	for message, err := range c.client.Messages(c.runCtx, command.Peer, c.pageSize) {
		if err != nil {
			fetchErr = err
			break
		}
		fetched = append(fetched, message)
		if c.historyLimit > 0 && len(fetched) >= c.historyLimit {
			break
		}
	}

	if len(fetched) > 0 {
		c.mu.Lock()
		messageIDs := make([]int64, 0, len(fetched))
		for _, message := range fetched {
			if err := c.cache.UpsertMessage(c.runCtx, command.Peer, message); err != nil {
				c.mu.Unlock()
				return err
			}
			messageIDs = append(messageIDs, message.ID)
		}
		c.mu.Unlock()
		c.publish(ChangeMessagesRefreshed, []int64{cache.UnifiedID(command.Peer)}, messageIDs)
	}
	c.logger.Debug("messages refreshed",
		zap.String("command_id", command.ID),
		zap.Stringer("peer", command.Peer),
		zap.Int("messages", len(fetched)))
	return fetchErr
}

func (c *Coordinator) handleUpdate(update remote.Update) {
	kind := string(update.Kind)
	var err error
	switch update.Kind {
	case remote.UpdateKindNewMessage, remote.UpdateKindMessageEdited:
		err = c.applyMessage(update.Peer, update.Message)
	case remote.UpdateKindMessageDeleted:
		err = c.applyDeletion(update.Deletion)
	default:
		c.metrics.observeUpdate(kind, outcomeIgnored)
		c.logger.Info("ignoring unhandled update", zap.String("kind", kind), zap.String("raw_kind", update.RawKind))
		return
	}
	if err != nil {
		c.metrics.observeUpdate(kind, outcomeFailed)
		c.logger.Error("apply update failed", zap.String("kind", kind), zap.Error(err))
		return
	}
	c.metrics.observeUpdate(kind, outcomeApplied)
}

func (c *Coordinator) applyMessage(peer cache.Peer, message cache.Message) error {
	c.mu.Lock()
	err := c.cache.UpsertMessage(c.runCtx, peer, message)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.publish(ChangeMessageUpserted, []int64{cache.UnifiedID(peer)}, []int64{message.ID})
	return nil
}

func (c *Coordinator) applyDeletion(deletion cache.MessageDeletion) error {
	c.mu.Lock()
	removed, err := c.cache.DeleteMessages(c.runCtx, deletion)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	var keys []int64
	if deletion.Peer != nil {
		peer, err := cache.NewPeer(deletion.Peer.Kind, deletion.Peer.ID)
		if err != nil {
			return err
		}
		keys = []int64{cache.UnifiedID(peer)}
	}
	c.logger.Debug("messages deleted", zap.Int64("removed", removed), zap.Int("requested", len(deletion.MessageIDs)))
	c.publish(ChangeMessagesDeleted, keys, deletion.MessageIDs)
	return nil
}

// pumpUpdates is the only consumer of the remote update stream, so updates reach the
// serving loop in the order the service delivered them.
func (c *Coordinator) pumpUpdates(out chan<- remote.Update) {
	defer c.pumpWG.Done()
	ctx := c.runCtx
	c.updateBackOff.Reset()
	for {
		update, err := c.client.NextUpdate(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.metrics.observeUpdateStreamError()
			if errors.Is(err, remote.ErrClosed) {
				c.logger.Error("update stream closed, no further updates will be applied", zap.Error(err))
				return
			}
			wait := c.updateBackOff.NextBackOff()
			if wait == backoff.Stop {
				c.logger.Error("update stream abandoned", zap.Error(err))
				return
			}
			c.logger.Warn("waiting for update failed", zap.Error(err), zap.Duration("retry_in", wait))
			if !sleepContext(ctx, wait) {
				return
			}
			continue
		}
		c.updateBackOff.Reset()
		select {
		case out <- update:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Coordinator) publish(kind ChangeKind, conversationKeys []int64, messageIDs []int64) {
	c.dispatcher.Publish(ChangeEvent{
		Kind:             kind,
		ConversationKeys: conversationKeys,
		MessageIDs:       messageIDs,
		Timestamp:        c.clock().UTC(),
	})
}

func sleepContext(ctx context.Context, wait time.Duration) bool {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
