package ltm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	entryFileMode   = 0o644
	entryDirMode    = 0o755
	entryExt        = ".json"
	tempFilePattern = ".ltm-*.json.tmp"
)

var (
	lockRegistryMu sync.Mutex
	pathLockMap    = map[string]*sync.RWMutex{}
)

func lockForPath(path string) *sync.RWMutex {
	lockRegistryMu.Lock()
	defer lockRegistryMu.Unlock()

	if mu, ok := pathLockMap[path]; ok {
		return mu
	}
	mu := &sync.RWMutex{}
	pathLockMap[path] = mu
	return mu
}

// FileStore lays entries out as <base>/<scope>/<key>.json, one file per key.
type FileStore struct {
	basePath string
	now      func() time.Time
}

var _ Store = (*FileStore)(nil)

type fileEntry struct {
	Value    json.RawMessage `json:"value"`
	StoredAt time.Time       `json:"stored_at"`
}

// NewFileStore resolves and creates the base directory and checks it is writable.
func NewFileStore(basePath string) (*FileStore, error) {
	if strings.TrimSpace(basePath) == "" {
		return nil, errors.New("ltm: base path is empty")
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve ltm base path: %w", err)
	}
	if err := os.MkdirAll(abs, entryDirMode); err != nil {
		return nil, fmt.Errorf("create ltm directory: %w", err)
	}
	tmp, err := os.CreateTemp(abs, tempFilePattern)
	if err != nil {
		return nil, fmt.Errorf("ltm directory not writable: %w", err)
	}
	tmp.Close()
	_ = os.Remove(tmp.Name())
	return &FileStore{basePath: abs, now: time.Now}, nil
}

// fileName escapes s for use as one path element. Colons are escaped too so
// keys like "<user>:history" stay valid on Windows.
func fileName(s string) string {
	return strings.ReplaceAll(url.PathEscape(s), ":", "%3A")
}

func (s *FileStore) scopeDir(scope string) string {
	return filepath.Join(s.basePath, fileName(scope))
}

func (s *FileStore) entryPath(scope, key string) string {
	return filepath.Join(s.scopeDir(scope), fileName(key)+entryExt)
}

func (s *FileStore) Write(ctx context.Context, scope, key string, value any) error {
	if err := checkKey(scope, key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := encode(value)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(fileEntry{Value: raw, StoredAt: s.now().UTC()}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode ltm entry: %w", err)
	}

	path := s.entryPath(scope, key)
	mu := lockForPath(path)
	mu.Lock()
	defer mu.Unlock()
	return writeAtomic(path, data)
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, entryDirMode); err != nil {
		return fmt.Errorf("create ltm scope directory: %w", err)
	}
	tempFile, err := os.CreateTemp(dir, tempFilePattern)
	if err != nil {
		return fmt.Errorf("create temp ltm file: %w", err)
	}
	tempName := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tempName)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("write temp ltm file: %w", err)
	}
	if err := tempFile.Chmod(entryFileMode); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("chmod temp ltm file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close temp ltm file: %w", err)
	}
	if err := os.Rename(tempName, path); err != nil {
		return fmt.Errorf("replace ltm file: %w", err)
	}
	cleanup = false
	return nil
}

func (s *FileStore) Read(ctx context.Context, scope, key string) (Entry, error) {
	if err := checkKey(scope, key); err != nil {
		return Entry{}, err
	}
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	path := s.entryPath(scope, key)
	mu := lockForPath(path)
	mu.RLock()
	data, err := os.ReadFile(path)
	mu.RUnlock()
	if err != nil {
		if os.IsNotExist(err) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, fmt.Errorf("read ltm file: %w", err)
	}
	var fe fileEntry
	if err := json.Unmarshal(data, &fe); err != nil {
		return Entry{}, fmt.Errorf("parse ltm file %s: %w", path, err)
	}
	return Entry{Key: key, Value: fe.Value, StoredAt: fe.StoredAt}, nil
}

func (s *FileStore) ListKeys(ctx context.Context, scope string) ([]string, error) {
	if err := checkName(scope); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	files, err := os.ReadDir(s.scopeDir(scope))
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("list ltm directory: %w", err)
	}
	keys := make([]string, 0, len(files))
	for _, f := range files {
		name := f.Name()
		if f.IsDir() || !strings.HasSuffix(name, entryExt) {
			continue
		}
		key, err := url.PathUnescape(strings.TrimSuffix(name, entryExt))
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *FileStore) Delete(ctx context.Context, scope, key string) error {
	if err := checkKey(scope, key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	path := s.entryPath(scope, key)
	mu := lockForPath(path)
	mu.Lock()
	defer mu.Unlock()
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("delete ltm file: %w", err)
	}
	return nil
}

func (s *FileStore) BasePath() string { return s.basePath }
func (s *FileStore) Kind() string     { return "file" }
func (s *FileStore) Durable() bool    { return true }
func (s *FileStore) Close() error     { return nil }
