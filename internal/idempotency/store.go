package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

// ErrKeyReused is returned when an idempotency key comes back with a different request body.
var ErrKeyReused = errors.New("idempotency key reused with a different request")

// Record is a replayable response for one idempotency key.
type Record struct {
	StatusCode  int       `json:"statusCode"`
	Response    []byte    `json:"response"`
	Fingerprint string    `json:"fingerprint"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

func (r Record) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Pending reports whether the record is a reservation whose request is still running.
func (r Record) Pending() bool {
	return r.StatusCode == 0
}

// Matches reports whether body is the request the record was saved for.
func (r Record) Matches(body []byte) bool {
	return r.Fingerprint == "" || r.Fingerprint == Fingerprint(body)
}

// Fingerprint is the keccak256 digest of a request body.
func Fingerprint(body []byte) string {
	return crypto.Keccak256Hash(body).Hex()
}

// Reservation is the pending record claimed before a request runs.
func Reservation(body []byte, now time.Time, window time.Duration) Record {
	return Record{Fingerprint: Fingerprint(body), CreatedAt: now, ExpiresAt: now.Add(window)}
}

// Store persists idempotent responses.
//
// A request claims its key with Reserve before running. Reserve is atomic: of
// two racing requests exactly one gets a nil existing record back, the other
// sees the live record (pending or final). The winner then either Saves the
// final response or Releases the key so the request can be retried.
// Get returns nil for missing or expired keys.
type Store interface {
	Get(ctx context.Context, key string) (*Record, error)
	Reserve(ctx context.Context, key string, record Record) (existing *Record, err error)
	Save(ctx context.Context, key string, record Record) error
	Release(ctx context.Context, key string) error
}

// records is the map shared by the in-process backends.
type records map[string]Record

func (rs records) live(key string, now time.Time) (Record, bool) {
	rec, ok := rs[key]
	if !ok || rec.Expired(now) {
		return Record{}, false
	}
	return rec, true
}

// reserve stores rec unless key already holds a live record, which it returns.
func (rs records) reserve(key string, rec Record, now time.Time) *Record {
	if existing, ok := rs.live(key, now); ok {
		return &existing
	}
	rs[key] = rec
	return nil
}

func (rs records) prune(now time.Time) int {
	n := 0
	for key, rec := range rs {
		if rec.Expired(now) {
			delete(rs, key)
			n++
		}
	}
	return n
}

// MemoryStore backs dev mode and tests.
type MemoryStore struct {
	mu   sync.Mutex
	data records
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(records), now: time.Now}
}

func (m *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.data.live(key, m.now())
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) Reserve(_ context.Context, key string, record Record) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.reserve(key, record, m.now()), nil
}

func (m *MemoryStore) Save(_ context.Context, key string, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = record
	return nil
}

func (m *MemoryStore) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// Prune drops expired records and reports how many went.
func (m *MemoryStore) Prune() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.prune(m.now())
}

// FileStore keeps records in a single JSON file for single-node deployments.
// Every change rewrites the file through a temp file and rename.
type FileStore struct {
	path string
	mu   sync.Mutex
	data records
	now  func() time.Time
}

func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("file store path is empty")
	}
	fs := &FileStore{path: path, data: make(records), now: time.Now}
	if err := fs.load(); err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return fs, nil
}

// load reads the file and drops anything that expired while the process was down.
func (f *FileStore) load() error {
	blob, err := os.ReadFile(f.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil
	case err != nil:
		return err
	case len(blob) == 0:
		return nil
	}
	if err := json.Unmarshal(blob, &f.data); err != nil {
		return err
	}
	f.data.prune(f.now())
	return nil
}

func (f *FileStore) flush() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	blob, err := json.Marshal(f.data)
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *FileStore) Get(_ context.Context, key string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.data.live(key, f.now())
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (f *FileStore) Reserve(_ context.Context, key string, record Record) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.now()
	if existing := f.data.reserve(key, record, now); existing != nil {
		return existing, nil
	}
	f.data.prune(now)
	return nil, f.flush()
}

func (f *FileStore) Save(_ context.Context, key string, record Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = record
	return f.flush()
}

func (f *FileStore) Release(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[key]; !ok {
		return nil
	}
	delete(f.data, key)
	return f.flush()
}
