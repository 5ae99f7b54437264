// Package guard keeps client-side mutations from being sent twice.
//
// A TokenGuard binds an idempotency token to a named action and keeps it in
// session storage until the action succeeds, so a retry after a crash or an
// interrupted call reuses the token the server already saw. A MutationLock
// rejects a second call of the same action while the first is outstanding.
package guard

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// ErrBusy is returned when a guarded action is already in flight.
var ErrBusy = errors.New("action already in progress")

const keyPrefix = "idempotency:"

// TokenGuard issues one token per action name.
type TokenGuard struct {
	storage SessionStorage
	newID   func() string
}

func NewTokenGuard(storage SessionStorage) *TokenGuard {
	if storage == nil {
		storage = NewMemoryStorage()
	}
	return &TokenGuard{storage: storage, newID: uuid.NewString}
}

// GetOrCreateToken returns the stored token for action, creating one on first use.
func (g *TokenGuard) GetOrCreateToken(action string) (string, error) {
	if action == "" {
		return "", errors.New("action name is required")
	}
	token, ok, err := g.storage.Get(keyPrefix + action)
	if err != nil {
		return "", fmt.Errorf("load token for %s: %w", action, err)
	}
	if ok && token != "" {
		return token, nil
	}
	return g.Regenerate(action)
}

// Regenerate replaces the token for action with a fresh one.
func (g *TokenGuard) Regenerate(action string) (string, error) {
	token := g.newID()
	if err := g.storage.Set(keyPrefix+action, token); err != nil {
		return "", fmt.Errorf("store token for %s: %w", action, err)
	}
	return token, nil
}

// MutationLock allows one call at a time. It is per instance and in memory;
// it does not coordinate separate sessions.
type MutationLock struct {
	inFlight atomic.Bool
}

// Do runs fn unless another Do on the same lock has not returned yet, in
// which case it returns ErrBusy without calling fn.
func (l *MutationLock) Do(ctx context.Context, fn func(context.Context) error) error {
	if !l.inFlight.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer l.inFlight.Store(false)
	return fn(ctx)
}

// Action ties a token and a lock to one logical operation, for example
// "approve-contract-42".
type Action struct {
	Name   string
	Tokens *TokenGuard
	// KeepToken leaves the token in place after success. By default a
	// successful run regenerates it so the next run is a new operation.
	KeepToken bool

	lock MutationLock
}

func NewAction(name string, tokens *TokenGuard) *Action {
	return &Action{Name: name, Tokens: tokens}
}

// Run calls fn with the action's token. A failed run keeps the token so the
// retry is deduplicated by the server.
func (a *Action) Run(ctx context.Context, fn func(ctx context.Context, token string) error) error {
	return a.lock.Do(ctx, func(ctx context.Context) error {
		token, err := a.Tokens.GetOrCreateToken(a.Name)
		if err != nil {
			return err
		}
		if err := fn(ctx, token); err != nil {
			return err
		}
		if a.KeepToken {
			return nil
		}
		if _, err := a.Tokens.Regenerate(a.Name); err != nil {
			return fmt.Errorf("rotate token: %w", err)
		}
		return nil
	})
}
