package poller

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
)

// Watermarks remembers, per device, the event time of the last consumed row.
type Watermarks interface {
	Get(ip string) (time.Time, bool, error)
	Set(ip string, t time.Time) error
}

// MemoryWatermarks keeps watermarks for the life of the process.
type MemoryWatermarks struct {
	mu    sync.RWMutex
	marks map[string]time.Time
}

func NewMemoryWatermarks() *MemoryWatermarks {
	return &MemoryWatermarks{marks: make(map[string]time.Time)}
}

func (w *MemoryWatermarks) Get(ip string) (time.Time, bool, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	t, ok := w.marks[ip]
	return t, ok, nil
}

func (w *MemoryWatermarks) Set(ip string, t time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.marks[ip] = t
	return nil
}

const watermarkPrefix = "watermark:"

type watermarkValue struct {
	EventTime time.Time `json:"event_time"`
}

// BadgerWatermarks persists watermarks across restarts.
type BadgerWatermarks struct {
	db *badger.DB
}

// OpenBadgerWatermarks opens (or creates) a watermark store in dir. An empty
// dir opens an in-memory store.
func OpenBadgerWatermarks(dir string) (*BadgerWatermarks, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open watermark store: %w", err)
	}
	return &BadgerWatermarks{db: db}, nil
}

func (w *BadgerWatermarks) Get(ip string) (time.Time, bool, error) {
	var v watermarkValue
	err := w.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(watermarkPrefix + ip))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &v)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get watermark %s: %w", ip, err)
	}
	return v.EventTime, true, nil
}

func (w *BadgerWatermarks) Set(ip string, t time.Time) error {
	data, err := json.Marshal(watermarkValue{EventTime: t.UTC()})
	if err != nil {
		return fmt.Errorf("marshal watermark: %w", err)
	}
	return w.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(watermarkPrefix+ip), data)
	})
}

// Close releases the underlying database.
func (w *BadgerWatermarks) Close() error {
	return w.db.Close()
}
