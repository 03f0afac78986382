// Package storage keeps the per-client key-value blobs a browser would keep
// in local storage: the chat history, the active chat id and the selected model.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Persisted keys. Values are JSON-encoded strings.
const (
	KeyChatHistory   = "chatHistory"
	KeyActiveChatID  = "activeChatId"
	KeySelectedModel = "selectedModel"
)

var ErrUnknownDriver = errors.New("unknown storage driver")

// KV is a string key-value store.
type KV interface {
	// Get returns the stored value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Key namespaces a persisted key by client.
func Key(clientID, name string) string {
	return "client:" + clientID + ":" + name
}

// Options selects and configures a backend.
type Options struct {
	Driver      string // memory, file, sqlite, redis, postgres
	Path        string // file and sqlite
	RedisURL    string
	DatabaseURL string
}

// Open builds the backend named by opts.Driver.
func Open(ctx context.Context, opts Options) (KV, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Driver)) {
	case "", "memory":
		return NewMemory(), nil
	case "file":
		return NewFile(opts.Path)
	case "sqlite":
		return NewSQLite(ctx, opts.Path)
	case "redis":
		return NewRedis(ctx, opts.RedisURL)
	case "postgres":
		return NewPostgres(ctx, opts.DatabaseURL)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, opts.Driver)
	}
}
