package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/gonkalabs/piiguard-proxy/internal/sanitize"
)

// badgerConflictRetries bounds optimistic-transaction retries in StoreMapping.
const badgerConflictRetries = 5

// BadgerConfig configures the embedded store.
type BadgerConfig struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string
	// InMemory keeps everything in RAM (tests, ephemeral deployments).
	InMemory bool
	// GCInterval is how often the value log is garbage collected; 0 disables it.
	GCInterval time.Duration
}

// Badger is a single-node persistent Store on an embedded badger database.
// Keys "s/<id>" hold the session record and "m/<id>" the mapping; both carry
// the session's expiry so badger drops them together.
type Badger struct {
	db     *badger.DB
	now    func() time.Time
	stopGC chan struct{}
	doneGC chan struct{}
}

type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...any) {
	slog.Error("session: badger: " + fmt.Sprintf(format, args...))
}
func (badgerLogger) Warningf(format string, args ...any) {
	slog.Warn("session: badger: " + fmt.Sprintf(format, args...))
}
func (badgerLogger) Infof(string, ...any)  {}
func (badgerLogger) Debugf(string, ...any) {}

// OpenBadger opens (or creates) a badger-backed store.
func OpenBadger(cfg BadgerConfig) (*Badger, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("session: badger path is required")
		}
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("session: create badger dir %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithNumVersionsToKeep(1).WithLogger(badgerLogger{})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("session: open badger: %w", err)
	}
	s := &Badger{db: db, now: time.Now}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.stopGC = make(chan struct{})
		s.doneGC = make(chan struct{})
		go s.runGC(cfg.GCInterval)
	}
	return s, nil
}

func sessionKey(id string) []byte { return []byte("s/" + id) }
func mappingKey(id string) []byte { return []byte("m/" + id) }

func (s *Badger) CreateSession(ctx context.Context, p CreateParams) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	info := newInfo(p, s.now())
	b, err := json.Marshal(info)
	if err != nil {
		return "", fmt.Errorf("session: encode: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(sessionKey(info.ID), b).WithTTL(ttlOrDefault(p.TTL)))
	})
	if err != nil {
		return "", fmt.Errorf("session: badger create: %w", err)
	}
	return info.ID, nil
}

func (s *Badger) StoreMapping(ctx context.Context, id string, m *sanitize.Mapping) error {
	if m.IsEmpty() {
		// Still report unknown sessions.
		_, err := s.GetMapping(ctx, id)
		return err
	}
	var err error
	for attempt := 0; attempt < badgerConflictRetries; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		err = s.db.Update(func(txn *badger.Txn) error {
			sess, err := txn.Get(sessionKey(id))
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			if err != nil {
				return err
			}

			merged := &sanitize.Mapping{}
			if err := readMapping(txn, id, merged); err != nil {
				return err
			}
			merged.Merge(m)

			b, err := json.Marshal(merged)
			if err != nil {
				return err
			}
			e := badger.NewEntry(mappingKey(id), b)
			e.ExpiresAt = sess.ExpiresAt()
			return txn.SetEntry(e)
		})
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("session: badger store: %w", err)
	}
	return err
}

func (s *Badger) GetMapping(ctx context.Context, id string) (*sanitize.Mapping, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m := &sanitize.Mapping{}
	err := s.db.View(func(txn *badger.Txn) error {
		if _, err := txn.Get(sessionKey(id)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return readMapping(txn, id, m)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("session: badger get: %w", err)
	}
	return m, nil
}

func readMapping(txn *badger.Txn, id string, into *sanitize.Mapping) error {
	item, err := txn.Get(mappingKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, into)
	})
}

func (s *Badger) DeleteMapping(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(sessionKey(id)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		if err := txn.Delete(sessionKey(id)); err != nil {
			return err
		}
		return txn.Delete(mappingKey(id))
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("session: badger delete: %w", err)
	}
	return err
}

func (s *Badger) Close() error {
	if s.stopGC != nil {
		close(s.stopGC)
		<-s.doneGC
	}
	return s.db.Close()
}

func (s *Badger) runGC(interval time.Duration) {
	defer close(s.doneGC)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-s.stopGC:
			return
		case <-t.C:
			if err := s.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				slog.Warn("session: badger value log GC", "err", err)
			}
		}
	}
}
