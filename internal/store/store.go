// Package store persists long-lived credentials and single-use context
// records in SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/relayops/mailbridge/internal/provider"
)

// Store is the credential and context persistence layer. Writes for the
// same key are serialized so two racing OAuth callbacks cannot interleave
// a read-modify-write.
type Store struct {
	db   *sql.DB
	keys keyedMutex
}

// Open opens or creates the auth database under dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", filepath.Join(dir, "auth.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS credentials (
			identity_key TEXT PRIMARY KEY,
			secret TEXT NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create credentials table: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS contexts (
			ref TEXT PRIMARY KEY,
			client_id TEXT NOT NULL,
			client_secret TEXT NOT NULL,
			mailbox TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create contexts table: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// LockKey serializes read-modify-write sequences for one identity key.
// The returned func releases the lock.
func (s *Store) LockKey(key string) func() {
	return s.keys.lock(key)
}

// GetCredential returns the stored secret for an identity key, or ""
// when none is stored.
func (s *Store) GetCredential(ctx context.Context, key string) (string, error) {
	var secret string
	err := s.db.QueryRowContext(ctx,
		"SELECT secret FROM credentials WHERE identity_key = ?", key,
	).Scan(&secret)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("failed to get credential: %w", err)
	}
	return secret, nil
}

// PutCredential stores or overwrites the secret for an identity key.
func (s *Store) PutCredential(ctx context.Context, key, secret string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (identity_key, secret, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(identity_key) DO UPDATE SET
			secret = excluded.secret,
			updated_at = excluded.updated_at
	`, key, secret, time.Now())
	if err != nil {
		return fmt.Errorf("failed to put credential: %w", err)
	}
	return nil
}

// RemoveCredential deletes the secret for an identity key. Removing an
// absent key is not an error.
func (s *Store) RemoveCredential(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM credentials WHERE identity_key = ?", key)
	if err != nil {
		return fmt.Errorf("failed to remove credential: %w", err)
	}
	return nil
}

// CredentialKeys lists all identity keys with a stored credential.
func (s *Store) CredentialKeys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT identity_key FROM credentials ORDER BY identity_key")
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan credential key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// GetContext returns the context record for a reference, or nil when it
// does not exist.
func (s *Store) GetContext(ctx context.Context, ref string) (*provider.ContextRecord, error) {
	rec := &provider.ContextRecord{}
	err := s.db.QueryRowContext(ctx,
		"SELECT client_id, client_secret, mailbox FROM contexts WHERE ref = ?", ref,
	).Scan(&rec.ClientID, &rec.ClientSecret, &rec.Mailbox)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get context: %w", err)
	}
	return rec, nil
}

// PutContext stores a context record under a reference.
func (s *Store) PutContext(ctx context.Context, ref string, rec *provider.ContextRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contexts (ref, client_id, client_secret, mailbox, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, ref, rec.ClientID, rec.ClientSecret, rec.Mailbox, time.Now())
	if err != nil {
		return fmt.Errorf("failed to put context: %w", err)
	}
	return nil
}

// RemoveContext deletes a context record. Removing an absent reference
// is not an error.
func (s *Store) RemoveContext(ctx context.Context, ref string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM contexts WHERE ref = ?", ref)
	if err != nil {
		return fmt.Errorf("failed to remove context: %w", err)
	}
	return nil
}

// Credentials is the credential-keyed view of the store.
type Credentials struct{ s *Store }

// Credentials returns the store's credential view.
func (s *Store) Credentials() Credentials { return Credentials{s} }

func (c Credentials) Get(ctx context.Context, key string) (string, error) {
	return c.s.GetCredential(ctx, key)
}

func (c Credentials) Put(ctx context.Context, key, secret string) error {
	return c.s.PutCredential(ctx, key, secret)
}

func (c Credentials) Remove(ctx context.Context, key string) error {
	return c.s.RemoveCredential(ctx, key)
}

func (c Credentials) Keys(ctx context.Context) ([]string, error) {
	return c.s.CredentialKeys(ctx)
}

func (c Credentials) LockKey(key string) func() {
	return c.s.LockKey(key)
}

// Contexts is the context-keyed view of the store.
type Contexts struct{ s *Store }

// Contexts returns the store's context view.
func (s *Store) Contexts() Contexts { return Contexts{s} }

func (c Contexts) Get(ctx context.Context, ref string) (*provider.ContextRecord, error) {
	return c.s.GetContext(ctx, ref)
}

func (c Contexts) Put(ctx context.Context, ref string, rec *provider.ContextRecord) error {
	return c.s.PutContext(ctx, ref, rec)
}

func (c Contexts) Remove(ctx context.Context, ref string) error {
	return c.s.RemoveContext(ctx, ref)
}

// keyedMutex hands out one mutex per key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
