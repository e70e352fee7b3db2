// Package watch manages the provider-side push subscription and turns
// inbound change notifications into a deduplicated set of new message
// identifiers, tracking sync progress with a monotonic history cursor.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/relayops/mailbridge/internal/provider"
)

// ErrNotWatching means a notification arrived before Initiate registered
// a subscription (or after Stop tore it down).
var ErrNotWatching = errors.New("watch not initiated")

// CursorStore persists the single history cursor.
type CursorStore interface {
	LockCursor() func()
	LoadCursor(ctx context.Context) (string, error)
	SaveCursor(ctx context.Context, cursor string) error
}

type state int

const (
	stateUnwatched state = iota
	stateWatching
)

// Manager is the change-watch state machine: Unwatched until Initiate
// registers a subscription, Watching afterwards.
type Manager struct {
	mailbox provider.MailboxClient
	cursors CursorStore
	topic   string

	mu sync.Mutex
	st state
}

// NewManager wires a Manager. An empty topic leaves watching disabled.
func NewManager(mailbox provider.MailboxClient, cursors CursorStore, topic string) *Manager {
	return &Manager{
		mailbox: mailbox,
		cursors: cursors,
		topic:   topic,
	}
}

// Initiate registers (or re-registers) the push subscription and
// re-baselines the cursor to the server-reported value. Idempotent;
// also the explicit recovery path after ErrCursorExpired.
func (m *Manager) Initiate(ctx context.Context) error {
	if m.topic == "" {
		return nil
	}

	res, err := m.mailbox.Watch(ctx, m.topic)
	if err != nil {
		return fmt.Errorf("register watch: %w", err)
	}

	unlock := m.cursors.LockCursor()
	defer unlock()

	if err := m.cursors.SaveCursor(ctx, res.Cursor); err != nil {
		return err
	}

	m.mu.Lock()
	m.st = stateWatching
	m.mu.Unlock()

	log.Printf("watch registered on %s, baseline cursor %s, expires %s", m.topic, res.Cursor, res.Expiry)
	return nil
}

// Stop tears down the provider-side subscription. The cursor is kept:
// a later Initiate re-baselines it anyway.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.st != stateWatching {
		m.mu.Unlock()
		return nil
	}
	m.st = stateUnwatched
	m.mu.Unlock()

	if err := m.mailbox.StopWatch(ctx); err != nil {
		return fmt.Errorf("stop watch: %w", err)
	}
	return nil
}

// Watching reports whether a subscription is registered.
func (m *Manager) Watching() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st == stateWatching
}

// OnNotification fetches history since the stored cursor and returns the
// identifiers of newly added inbound messages, without duplicates. The
// cursor advances to the server-reported latest position even when the
// delta is empty. ErrCursorExpired propagates untouched: the caller must
// re-run Initiate rather than have a cursor fabricated here.
func (m *Manager) OnNotification(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	if m.st != stateWatching {
		m.mu.Unlock()
		return nil, ErrNotWatching
	}
	m.mu.Unlock()

	unlock := m.cursors.LockCursor()
	defer unlock()

	cursor, err := m.cursors.LoadCursor(ctx)
	if err != nil {
		return nil, err
	}

	delta, err := m.mailbox.History(ctx, cursor)
	if err != nil {
		// Includes ErrCursorExpired and transient failures; either way
		// the cursor stays where it was.
		return nil, fmt.Errorf("fetch history: %w", err)
	}

	if err := m.cursors.SaveCursor(ctx, delta.Cursor); err != nil {
		return nil, err
	}

	// A message can appear in several history entries within one fetch.
	seen := make(map[string]struct{})
	var ids []string
	for _, added := range delta.Added {
		if isOutbound(added) {
			continue
		}
		if _, dup := seen[added.ID]; dup {
			continue
		}
		seen[added.ID] = struct{}{}
		ids = append(ids, added.ID)
	}
	sort.Strings(ids)

	return ids, nil
}

func isOutbound(msg provider.AddedMessage) bool {
	for _, label := range msg.Labels {
		if label == provider.LabelSent {
			return true
		}
	}
	return false
}
