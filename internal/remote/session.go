package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/chatsync/internal/cache"
	"go.uber.org/zap"
)

var errMissingDialer = errors.New("remote: dialer is required")

// SessionStore persists the collaborator's session material.
type SessionStore interface {
	LoadSession(ctx context.Context) ([]byte, error)
	SaveSession(ctx context.Context, material []byte) error
}

// Establish dials the remote service with the stored session, if any, and stores the
// session material returned by every successful connection.
func Establish(ctx context.Context, dialer Dialer, store SessionStore, logger *zap.Logger) (Client, error) {
	if dialer == nil {
		return nil, errMissingDialer
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	session, err := store.LoadSession(ctx)
	switch {
	case errors.Is(err, cache.ErrSessionNotFound):
		logger.Info("no stored session, starting a new one")
		session = nil
	case err != nil:
		return nil, fmt.Errorf("remote: load session: %w", err)
	}

	client, material, err := dialer.Dial(ctx, session)
	if err != nil {
		return nil, fmt.Errorf("remote: dial: %w", err)
	}
	if err := store.SaveSession(ctx, material); err != nil {
		return nil, fmt.Errorf("remote: save session: %w", err)
	}
	logger.Info("remote session established", zap.Bool("resumed", session != nil))
	return client, nil
}
