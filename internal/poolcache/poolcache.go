// Package poolcache keeps pool contexts returned by the planner's init
// endpoint so repeated plan and run invocations skip the round trip.
package poolcache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/multierr"
	_ "modernc.org/sqlite"
)

type Cache struct {
	db   *sql.DB
	lock *flock.Flock
	now  func() time.Time
}

// Entry is one cached pool context.
type Entry struct {
	Pool      string
	Context   json.RawMessage
	FetchedAt time.Time
	Age       time.Duration
	Expired   bool
}

// FetchFunc loads a pool context from the planner.
type FetchFunc func(ctx context.Context, pool string) (json.RawMessage, error)

func Open(path, lockPath string) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create pool cache directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create pool cache lock directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open pool cache: %w", err)
	}
	queries := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"CREATE TABLE IF NOT EXISTS pools (pool TEXT PRIMARY KEY, context BLOB NOT NULL, fetched_at INTEGER NOT NULL, ttl_ms INTEGER NOT NULL);",
	}
	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return nil, multierr.Append(fmt.Errorf("init pool cache schema: %w", err), db.Close())
		}
	}

	c := &Cache{db: db, lock: flock.New(lockPath), now: time.Now}
	_ = c.Prune()
	return c, nil
}

func (c *Cache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Prune drops expired pools.
func (c *Cache) Prune() error {
	if c == nil || c.db == nil {
		return nil
	}
	if _, err := c.db.Exec("DELETE FROM pools WHERE fetched_at + ttl_ms < ?", c.now().UnixMilli()); err != nil {
		return fmt.Errorf("prune pool cache: %w", err)
	}
	return nil
}

// Get returns the cached context for pool. Expired entries are still
// returned with Expired set; callers decide whether to refetch.
func (c *Cache) Get(pool string) (Entry, bool, error) {
	pool = normalize(pool)
	var (
		raw       []byte
		fetchedMs int64
		ttlMs     int64
	)
	err := c.db.QueryRow("SELECT context, fetched_at, ttl_ms FROM pools WHERE pool = ?", pool).Scan(&raw, &fetchedMs, &ttlMs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("pool cache read: %w", err)
	}
	fetched := time.UnixMilli(fetchedMs).UTC()
	age := c.now().Sub(fetched)
	if age < 0 {
		age = 0
	}
	return Entry{
		Pool:      pool,
		Context:   json.RawMessage(raw),
		FetchedAt: fetched,
		Age:       age,
		Expired:   age > time.Duration(ttlMs)*time.Millisecond,
	}, true, nil
}

func (c *Cache) Put(pool string, poolContext json.RawMessage, ttl time.Duration) error {
	pool = normalize(pool)
	if pool == "" {
		return fmt.Errorf("pool cache write: missing pool address")
	}
	if !json.Valid(poolContext) {
		return fmt.Errorf("pool cache write: context for %s is not valid json", pool)
	}
	ttlMs := ttl.Milliseconds()
	if ttlMs <= 0 {
		ttlMs = 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	locked, err := c.lock.TryLockContext(ctx, 25*time.Millisecond)
	if err != nil {
		return fmt.Errorf("lock pool cache: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock pool cache: timeout acquiring lock")
	}
	defer func() { _ = c.lock.Unlock() }()

	_, err = c.db.Exec(`
		INSERT INTO pools (pool, context, fetched_at, ttl_ms)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(pool) DO UPDATE SET
			context=excluded.context,
			fetched_at=excluded.fetched_at,
			ttl_ms=excluded.ttl_ms
	`, pool, []byte(poolContext), c.now().UnixMilli(), ttlMs)
	if err != nil {
		return fmt.Errorf("pool cache write: %w", err)
	}
	return nil
}

// Load serves pool from the cache while it is fresh and otherwise calls
// fetch and stores the result. When fetch fails an expired entry is not
// served: pool state feeds transaction building.
func (c *Cache) Load(ctx context.Context, pool string, ttl time.Duration, refresh bool, fetch FetchFunc) (Entry, bool, error) {
	if c != nil && !refresh {
		entry, ok, err := c.Get(pool)
		if err == nil && ok && !entry.Expired {
			return entry, true, nil
		}
	}
	fresh, err := fetch(ctx, pool)
	if err != nil {
		return Entry{}, false, err
	}
	entry := Entry{Pool: normalize(pool), Context: fresh, FetchedAt: time.Now().UTC()}
	if c == nil {
		return entry, false, nil
	}
	entry.FetchedAt = c.now().UTC()
	if err := c.Put(pool, fresh, ttl); err != nil {
		return entry, false, err
	}
	return entry, false, nil
}

func normalize(pool string) string {
	return strings.TrimSpace(pool)
}
