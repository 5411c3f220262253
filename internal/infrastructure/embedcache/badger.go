// Package embedcache memoizes query embeddings in BadgerDB.
package embedcache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/kirillkom/docsearch/internal/core/ports"
)

type Options struct {
	// Dir is the on-disk location. Empty keeps the cache in memory.
	Dir    string
	TTL    time.Duration
	Logger *slog.Logger
}

// CachedEmbedder wraps an embedder whose output is deterministic per model,
// so cached vectors are interchangeable with fresh ones.
type CachedEmbedder struct {
	inner  ports.Embedder
	db     *badger.DB
	ttl    time.Duration
	logger *slog.Logger
}

type badgerLoggerAdapter struct {
	logger *slog.Logger
}

var _ badger.Logger = (*badgerLoggerAdapter)(nil)

func (bl *badgerLoggerAdapter) Errorf(msg string, items ...any) {
	bl.logger.Error(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Warningf(msg string, items ...any) {
	bl.logger.Warn(fmt.Sprintf(msg, items...))
}

// Badger reports compaction and startup chatter at info level.
func (bl *badgerLoggerAdapter) Infof(msg string, items ...any) {
	bl.logger.Debug(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Debugf(msg string, items ...any) {
	bl.logger.Debug(fmt.Sprintf(msg, items...))
}

func Open(inner ports.Embedder, opts Options) (*CachedEmbedder, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var badgerOpts badger.Options
	if opts.Dir == "" {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("create embedding cache dir: %w", err)
		}
		badgerOpts = badger.DefaultOptions(opts.Dir)
	}
	badgerOpts.Logger = &badgerLoggerAdapter{logger: logger.With("component", "embedding_cache")}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("open embedding cache: %w", err)
	}
	return &CachedEmbedder{
		inner:  inner,
		db:     db,
		ttl:    opts.TTL,
		logger: logger,
	}, nil
}

func (c *CachedEmbedder) Dimension() int { return c.inner.Dimension() }

func (c *CachedEmbedder) Model() string { return c.inner.Model() }

func (c *CachedEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	key := c.key(text)
	if vec, ok := c.get(key); ok {
		return vec, nil
	}

	vec, err := c.inner.EmbedQuery(ctx, text)
	if err != nil {
		return nil, err
	}
	if err := c.put(key, vec); err != nil {
		c.logger.Warn("embedding_cache_write_failed", "error", err)
	}
	return vec, nil
}

func (c *CachedEmbedder) Close() error {
	return c.db.Close()
}

func (c *CachedEmbedder) key(text string) []byte {
	h := sha256.New()
	h.Write([]byte(c.inner.Model()))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return append([]byte("q:"), h.Sum(nil)...)
}

func (c *CachedEmbedder) get(key []byte) ([]float32, bool) {
	var vec []float32
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			decoded, err := decodeVector(val, c.inner.Dimension())
			if err != nil {
				return err
			}
			vec = decoded
			return nil
		})
	})
	if err != nil {
		if !errors.Is(err, badger.ErrKeyNotFound) {
			c.logger.Warn("embedding_cache_read_failed", "error", err)
		}
		return nil, false
	}
	return vec, true
}

func (c *CachedEmbedder) put(key []byte, vec []float32) error {
	return c.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(key, encodeVector(vec))
		if c.ttl > 0 {
			entry = entry.WithTTL(c.ttl)
		}
		return txn.SetEntry(entry)
	})
}

func encodeVector(vec []float32) []byte {
	out := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(v))
	}
	return out
}

func decodeVector(raw []byte, dim int) ([]float32, error) {
	if len(raw)%4 != 0 || (dim > 0 && len(raw)/4 != dim) {
		return nil, fmt.Errorf("cached vector has %d bytes, expected %d dimensions", len(raw), dim)
	}
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return out, nil
}
