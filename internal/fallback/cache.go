package fallback

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/pkg/errors"

	"github.com/nathannam/console-observability/internal/telemetry"
)

const (
	// DefaultKey is the store key the records are kept under.
	DefaultKey = "console.telemetry.errors"
	// DefaultMaxEntries bounds the number of records kept.
	DefaultMaxEntries = 10
)

// Cache keeps the most recent raw records under one KV key, oldest first.
type Cache struct {
	mu     sync.Mutex
	kv     KV
	key    string
	max    int
	logger *slog.Logger
}

// NewCache creates a cache holding at most maxEntries records in kv. A
// non-positive maxEntries falls back to DefaultMaxEntries.
func NewCache(kv KV, maxEntries int, logger *slog.Logger) *Cache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if logger == nil {
		logger = telemetry.GetLogger()
	}
	return &Cache{kv: kv, key: DefaultKey, max: maxEntries, logger: logger}
}

// Append stores record, evicting the oldest records beyond the limit.
// A record that cannot be encoded is stored as a simplified record naming
// its type.
func (c *Cache) Append(record any) error {
	encoded := telemetry.EncodePayload(record)
	if encoded == nil {
		encoded = json.RawMessage("null")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	records, err := c.load()
	if err != nil {
		return err
	}
	records = append(records, encoded)
	if len(records) > c.max {
		records = records[len(records)-c.max:]
	}
	return c.store(records)
}

// List returns the stored records, oldest first.
func (c *Cache) List() ([]json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.load()
}

// Clear removes every stored record.
func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return errors.Wrapf(c.kv.Delete(c.key), "clearing %s", c.key)
}

func (c *Cache) load() ([]json.RawMessage, error) {
	raw, ok, err := c.kv.Get(c.key)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", c.key)
	}
	if !ok || len(raw) == 0 {
		return nil, nil
	}
	var records []json.RawMessage
	if err := json.Unmarshal(raw, &records); err != nil {
		c.logger.Warn("Discarding corrupt fallback records", "key", c.key, "error", err)
		return nil, nil
	}
	return records, nil
}

func (c *Cache) store(records []json.RawMessage) error {
	raw, err := json.Marshal(records)
	if err != nil {
		return errors.Wrap(err, "encoding fallback records")
	}
	return errors.Wrapf(c.kv.Set(c.key, raw), "writing %s", c.key)
}
