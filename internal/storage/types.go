package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by ReadDocument when the document was never
	// written.
	ErrNotFound = errors.New("document not found")
	ErrClosed   = errors.New("storage closed")
)

// Store is the persistence API used by the cache, the ledger and dispatch.
type Store interface {
	ReadDocument(ctx context.Context, name string) ([]byte, error)
	// WriteDocument replaces the document atomically; the last writer wins.
	WriteDocument(ctx context.Context, name string, data []byte) error
	AppendDispatch(ctx context.Context, rec DispatchRecord) error
	Close() error
}

// Config configures storage.
//
// For "file", Path is a directory. For "sqlite", Path is the database file.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// DispatchRecord is one reminder delivery attempt.
type DispatchRecord struct {
	At             time.Time `json:"at"`
	NotificationID string    `json:"notification_id"`
	EventID        string    `json:"event_id"`
	Channel        string    `json:"channel"`
	Target         string    `json:"target"`
	Service        string    `json:"service,omitempty"`
	OK             bool      `json:"ok"`
	Error          string    `json:"error,omitempty"`
}
