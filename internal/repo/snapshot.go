package repo

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/outbreakstack/renewal-rt/internal/cache"
	"github.com/outbreakstack/renewal-rt/internal/utils"
)

const snapshotExt = ".snap"

// ErrInvalidSnapshotID reports an ID outside [A-Za-z0-9_-]{1,128}.
var ErrInvalidSnapshotID = errors.New("invalid snapshot id")

var snapshotIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// SnapshotStore persists analysis snapshots as files under one directory and
// keeps recently used snapshots in a cache.
type SnapshotStore struct {
	dir   string
	cache cache.Provider
	ttl   time.Duration
}

// NewSnapshotStore creates dir if needed. A nil cache disables caching.
func NewSnapshotStore(dir string, c cache.Provider, ttl time.Duration) (*SnapshotStore, error) {
	if dir == "" {
		return nil, errors.New("snapshot directory not configured")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot directory: %w", err)
	}
	if c == nil {
		c = cache.NoopProvider{}
	}
	if ttl < 0 {
		ttl = 0
	}
	return &SnapshotStore{dir: dir, cache: c, ttl: ttl}, nil
}

// ValidSnapshotID reports whether id may name a snapshot.
func ValidSnapshotID(id string) bool {
	return snapshotIDPattern.MatchString(id)
}

// Save writes s atomically, replacing any snapshot with the same ID.
func (r *SnapshotStore) Save(ctx context.Context, s *Snapshot) error {
	const op = "snapshots.Save"
	if r == nil {
		return utils.NewAppError(op, "snapshot store not initialised", nil)
	}
	if s == nil || !ValidSnapshotID(s.ID) {
		id := ""
		if s != nil {
			id = s.ID
		}
		return utils.NewAppError(op, fmt.Sprintf("snapshot id %q", id), ErrInvalidSnapshotID)
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	data := MarshalSnapshot(s)

	tmp, err := os.CreateTemp(r.dir, s.ID+".*.tmp")
	if err != nil {
		return utils.NewAppError(op, "create temp file", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return utils.NewAppError(op, "write snapshot", err)
	}
	if err := tmp.Close(); err != nil {
		return utils.NewAppError(op, "close snapshot", err)
	}
	if err := os.Rename(tmp.Name(), r.path(s.ID)); err != nil {
		return utils.NewAppError(op, "publish snapshot", err)
	}

	// A failed cache write only costs a disk read later.
	_ = r.cache.Set(ctx, cacheKey(s.ID), data, r.ttl)
	return nil
}

// Load returns the snapshot stored under id.
func (r *SnapshotStore) Load(ctx context.Context, id string) (*Snapshot, error) {
	const op = "snapshots.Load"
	if r == nil {
		return nil, utils.NewAppError(op, "snapshot store not initialised", nil)
	}
	if !ValidSnapshotID(id) {
		return nil, utils.NewAppError(op, fmt.Sprintf("snapshot id %q", id), ErrInvalidSnapshotID)
	}

	if data, err := r.cache.Get(ctx, cacheKey(id)); err == nil {
		if s, err := UnmarshalSnapshot(data); err == nil {
			return s, nil
		}
		_ = r.cache.Del(ctx, cacheKey(id))
	}

	data, err := os.ReadFile(r.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, utils.NewAppError(op, "snapshot "+id, utils.ErrNotFound)
	}
	if err != nil {
		return nil, utils.NewAppError(op, "read snapshot", err)
	}
	s, err := UnmarshalSnapshot(data)
	if err != nil {
		return nil, utils.NewAppError(op, "decode snapshot "+id, err)
	}
	_ = r.cache.Set(ctx, cacheKey(id), data, r.ttl)
	return s, nil
}

// List returns the stored snapshot IDs in lexical order.
func (r *SnapshotStore) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, utils.NewAppError("snapshots.List", "read snapshot directory", err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, snapshotExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, snapshotExt))
	}
	sort.Strings(ids)
	return ids, nil
}

// Delete removes the snapshot stored under id.
func (r *SnapshotStore) Delete(ctx context.Context, id string) error {
	const op = "snapshots.Delete"
	if !ValidSnapshotID(id) {
		return utils.NewAppError(op, fmt.Sprintf("snapshot id %q", id), ErrInvalidSnapshotID)
	}
	_ = r.cache.Del(ctx, cacheKey(id))
	err := os.Remove(r.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return utils.NewAppError(op, "snapshot "+id, utils.ErrNotFound)
	}
	if err != nil {
		return utils.NewAppError(op, "remove snapshot", err)
	}
	return nil
}

func (r *SnapshotStore) path(id string) string {
	return filepath.Join(r.dir, id+snapshotExt)
}

func cacheKey(id string) string {
	return "rt:snapshot:" + id
}
