package database

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sidquark/rehashkv/internal/config"
	"github.com/sidquark/rehashkv/internal/persistence"
	"github.com/sidquark/rehashkv/internal/storage"
)

// DB represents the main database instance. It serializes access to the
// underlying hash table, which is not safe for concurrent use on its own.
type DB struct {
	storage   *storage.HashTable[[]byte]
	log       *persistence.Log
	recovery  *persistence.Recovery
	config    *config.Config
	logger    *slog.Logger
	session   string
	mutex     sync.RWMutex
	isClosed  bool
	closeChan chan struct{}
	wg        sync.WaitGroup
}

// Stats describes the table and log at a point in time.
type Stats struct {
	Session    string
	Entries    int
	Capacity   int
	LoadFactor float64
	LogBytes   int64
}

// New creates a new database instance. A nil config means config.Default
// and a nil logger means slog.Default.
func New(cfg *config.Config, logger *slog.Logger) (*DB, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, NewDatabaseError("initialization", "", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	session := uuid.NewString()
	logger = logger.With("session", session)

	store, err := storage.NewHashTable[[]byte](cfg.InitialCapacity, storage.WithMaxCapacity(cfg.MaxCapacity))
	if err != nil {
		return nil, NewDatabaseError("initialization", "", err)
	}

	db := &DB{
		storage:   store,
		config:    cfg,
		logger:    logger,
		session:   session,
		closeChan: make(chan struct{}),
	}

	if !cfg.InMemory {
		db.recovery = persistence.NewRecovery(cfg.DataDir, logger)
		db.log, err = persistence.NewLog(cfg.DataDir, logger)
		if err != nil {
			return nil, NewDatabaseError("initialization", "", err)
		}

		if cfg.AutoRecover {
			if err := db.recoverFromLog(); err != nil {
				db.log.Close()
				return nil, NewDatabaseError("recovery", "", err)
			}
		}

		if cfg.CompactionInterval > 0 {
			db.wg.Add(1)
			go db.startBackgroundTasks()
		}
	}

	logger.Info("database opened",
		"in_memory", cfg.InMemory,
		"entries", store.Len(),
		"capacity", store.Capacity(),
	)
	return db, nil
}

// recoverFromLog applies all operations from the log. Replay runs on an
// uncapped table so that keys deleted later in the log never count
// against max_capacity; only the surviving keys must fit.
func (db *DB) recoverFromLog() error {
	entries, err := db.recovery.RecoverEntries()
	if err != nil {
		return err
	}

	replay, err := storage.NewHashTable[[]byte](db.config.InitialCapacity)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		switch entry.Operation {
		case persistence.OperationSet:
			value := entry.Value
			if value == nil {
				value = []byte{}
			}
			if err := replay.Add(entry.Key, value); err != nil {
				return fmt.Errorf("replaying %q: %w", entry.Key, err)
			}
		case persistence.OperationDelete:
			replay.Delete(entry.Key)
		default:
			db.logger.Warn("ignoring unknown log operation", "op", entry.Operation, "key", entry.Key)
		}
	}

	if limit := db.keyLimit(); replay.Len() > limit {
		return fmt.Errorf("%w: the log holds %d keys but max_capacity %d allows at most %d",
			ErrMaxCapacityTooSmall, replay.Len(), db.config.MaxCapacity, limit)
	}
	var addErr error
	replay.Range(func(key string, value []byte) bool {
		addErr = db.storage.Add(key, value)
		return addErr == nil
	})
	if addErr != nil {
		return addErr
	}
	db.logger.Info("recovered from log", "records", len(entries), "entries", db.storage.Len())

	// Rewrite a damaged log so new appends do not follow garbage, keeping
	// the damaged file for inspection.
	if db.recovery.Damaged() {
		kept, err := db.log.Salvage(db.snapshot)
		if err != nil {
			return err
		}
		db.logger.Warn("damaged log rewritten", "kept", kept)
	}
	return nil
}

// keyLimit returns how many keys the table can hold once grown as far as
// max_capacity allows.
func (db *DB) keyLimit() int {
	if db.config.MaxCapacity <= 0 {
		return math.MaxInt
	}
	c := db.config.InitialCapacity
	for c <= db.config.MaxCapacity/2 {
		c *= 2
	}
	return c / 2
}

// startBackgroundTasks runs periodic log compaction until Close
func (db *DB) startBackgroundTasks() {
	defer db.wg.Done()

	compactionTicker := time.NewTicker(db.config.CompactionInterval)
	defer compactionTicker.Stop()

	for {
		select {
		case <-compactionTicker.C:
			if err := db.Compact(); err != nil && !errors.Is(err, ErrDatabaseClosed) {
				db.logger.Error("background compaction failed", "err", err)
			}
		case <-db.closeChan:
			return
		}
	}
}

// snapshot yields every live entry. Callers must hold db.mutex.
func (db *DB) snapshot(yield func(key string, value []byte) bool) {
	db.storage.Range(yield)
}

// Compact rewrites the log to hold only the live entries. It is a no-op
// for an in-memory database.
func (db *DB) Compact() error {
	db.mutex.RLock()
	defer db.mutex.RUnlock()

	if db.isClosed {
		return ErrDatabaseClosed
	}
	if db.log == nil {
		return nil
	}
	if err := db.log.Compact(db.snapshot); err != nil {
		return NewDatabaseError("compact", "", err)
	}
	return nil
}

// Stats returns the current table and log statistics
func (db *DB) Stats() Stats {
	db.mutex.RLock()
	defer db.mutex.RUnlock()

	s := Stats{
		Session:    db.session,
		Entries:    db.storage.Len(),
		Capacity:   db.storage.Capacity(),
		LoadFactor: db.storage.LoadFactor(),
	}
	if db.log != nil {
		s.LogBytes = db.log.Size()
	}
	return s
}

// Dump renders the table's buckets for debugging. Values are shown as
// quoted strings.
func (db *DB) Dump() string {
	db.mutex.RLock()
	defer db.mutex.RUnlock()

	var sb strings.Builder
	db.storage.Format(&sb, func(v []byte) string { return strconv.Quote(string(v)) })
	return sb.String()
}

// Close closes the database
func (db *DB) Close() error {
	db.mutex.Lock()
	if db.isClosed {
		db.mutex.Unlock()
		return nil
	}
	db.isClosed = true
	close(db.closeChan)
	db.mutex.Unlock()

	// The compaction loop takes the lock, so wait for it outside.
	db.wg.Wait()

	if db.log != nil {
		if err := db.log.Close(); err != nil {
			return NewDatabaseError("close", "", err)
		}
	}
	db.logger.Info("database closed")
	return nil
}
