// Package predcache persists energy predictions across runs in BadgerDB.
//
// Keys are "<predictor fingerprint>/<geometry key>". The geometry key hashes
// the aligned slab, site position and adsorbate, so an entry is only served
// for the same model version predicting the same atoms.
package predcache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/3leaps/heascreen/pkg/predict"
)

const keyPrefix = "pred/"

// Config configures the cache.
type Config struct {
	// Dir is the BadgerDB directory. Ignored when InMemory is true.
	Dir string

	// InMemory keeps the cache in memory only.
	InMemory bool

	// SyncWrites fsyncs every write.
	SyncWrites bool

	// GCInterval runs value log GC periodically. Zero disables it.
	GCInterval time.Duration

	Logger *zap.Logger
}

// Cache is a predict.Cache backed by BadgerDB. Safe for concurrent use.
type Cache struct {
	db     *badger.DB
	logger *zap.Logger
	stop   chan struct{}
	done   chan struct{}
}

var _ predict.Cache = (*Cache)(nil)

// Open opens (and creates if needed) a cache.
func Open(cfg Config) (*Cache, error) {
	if !cfg.InMemory && cfg.Dir == "" {
		return nil, errors.New("prediction cache dir is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
			return nil, fmt.Errorf("create cache directory: %w", err)
		}
		opts = badger.DefaultOptions(cfg.Dir)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{l: logger.Sugar()})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open prediction cache: %w", err)
	}

	c := &Cache{db: db, logger: logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		c.stop = make(chan struct{})
		c.done = make(chan struct{})
		go c.gcLoop(cfg.GCInterval)
	}
	return c, nil
}

// Get implements predict.Cache.
func (c *Cache) Get(key string) (predict.Prediction, bool, error) {
	var p predict.Prediction
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &p)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return predict.Prediction{}, false, nil
	}
	if err != nil {
		return predict.Prediction{}, false, fmt.Errorf("read cached prediction: %w", err)
	}
	return p, true, nil
}

// Put implements predict.Cache. Existing entries are overwritten.
func (c *Cache) Put(key string, p predict.Prediction) error {
	val, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode prediction: %w", err)
	}
	err = c.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyPrefix+key), val)
	})
	if err != nil {
		return fmt.Errorf("write cached prediction: %w", err)
	}
	return nil
}

// Len counts cached predictions.
func (c *Cache) Len() (int, error) {
	n := 0
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// Close stops GC and closes the database.
func (c *Cache) Close() error {
	if c.stop != nil {
		close(c.stop)
		<-c.done
		c.stop = nil
	}
	return c.db.Close()
}

func (c *Cache) gcLoop(interval time.Duration) {
	defer close(c.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			err := c.db.RunValueLogGC(0.5)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				c.logger.Warn("prediction cache gc failed", zap.Error(err))
			}
		}
	}
}

// badgerLogger routes badger's internal logging to zap.
type badgerLogger struct {
	l *zap.SugaredLogger
}

func (b *badgerLogger) Errorf(format string, args ...interface{})   { b.l.Errorf(format, args...) }
func (b *badgerLogger) Warningf(format string, args ...interface{}) { b.l.Warnf(format, args...) }
func (b *badgerLogger) Infof(format string, args ...interface{})    { b.l.Debugf(format, args...) }
func (b *badgerLogger) Debugf(format string, args ...interface{})   { b.l.Debugf(format, args...) }
