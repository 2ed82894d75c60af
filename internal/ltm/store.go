// Package ltm is the agent's long-term memory: a key/value store scoped per
// agent identity. Writes are last-writer-wins per key and atomic; there are no
// cross-key transactions.
package ltm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"surveyagent/internal/config"
	"surveyagent/internal/logging"
)

var (
	ErrNotFound   = errors.New("ltm: key not found")
	ErrInvalidKey = errors.New("ltm: scope and key are required")
	ErrClosed     = errors.New("ltm: store closed")
)

type Store interface {
	Write(ctx context.Context, scope, key string, value any) error
	Read(ctx context.Context, scope, key string) (Entry, error)
	ListKeys(ctx context.Context, scope string) ([]string, error)
	Delete(ctx context.Context, scope, key string) error
	Kind() string
	Durable() bool
	Close() error
}

// Entry is a stored value and the instant it was written.
type Entry struct {
	Key      string          `json:"key"`
	Value    json.RawMessage `json:"value"`
	StoredAt time.Time       `json:"stored_at"`
}

// Decode unmarshals the stored value into dst.
func (e Entry) Decode(dst any) error {
	if err := json.Unmarshal(e.Value, dst); err != nil {
		return fmt.Errorf("decode ltm value %s: %w", e.Key, err)
	}
	return nil
}

// checkKey rejects empty names and names made only of dots, which would
// resolve to the current or parent directory in the file backend.
func checkKey(scope, key string) error {
	if err := checkName(scope); err != nil {
		return err
	}
	return checkName(key)
}

func checkName(s string) error {
	if strings.TrimSpace(s) == "" || strings.Trim(s, ".") == "" {
		return ErrInvalidKey
	}
	return nil
}

func encode(value any) (json.RawMessage, error) {
	if raw, ok := value.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return nil, errors.New("ltm: value is not valid json")
		}
		return raw, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode ltm value: %w", err)
	}
	return data, nil
}

// Open resolves the configured backend once. A durable backend that cannot be
// created (read-only or missing filesystem) degrades to an in-memory store.
func Open(ctx context.Context, cfg config.Storage, log *zap.Logger) (Store, error) {
	log = logging.OrNop(log)
	var (
		store Store
		err   error
	)
	switch cfg.Backend {
	case config.BackendMemory:
		return NewMemoryStore(), nil
	case config.BackendFile, "":
		store, err = NewFileStore(cfg.BasePath)
	case config.BackendSQLite:
		store, err = NewSQLiteStore(ctx, cfg.BasePath)
	default:
		return nil, fmt.Errorf("unknown ltm backend %q", cfg.Backend)
	}
	if err != nil {
		log.Warn("LTM storage unavailable, using ephemeral memory store",
			zap.String("backend", cfg.Backend),
			zap.String("base_path", cfg.BasePath),
			zap.Error(err))
		return NewMemoryStore(), nil
	}
	log.Info("LTM storage ready", zap.String("backend", store.Kind()), zap.String("base_path", cfg.BasePath))
	return store, nil
}
