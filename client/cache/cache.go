// Package cache keeps the client's durable record of open sessions,
// independent of whichever screen is focused. The map lives in memory and is
// written through to a local SQLite file on every mutation; a load failure
// degrades to an empty cache instead of crashing.
package cache

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	_ "modernc.org/sqlite"

	"heartline/pkg/logger"
)

// Entry is one open chat/session
type Entry struct {
	SessionID   string    `json:"session_id"`
	Counterpart string    `json:"counterpart"`
	Preview     string    `json:"preview"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Cache is the active-session store. All methods are safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	entries map[string]Entry
	db      *sql.DB // nil means memory-only (degraded)
}

// Open loads the cache from dir, creating the database if needed. Any
// open/load failure logs and returns a memory-only cache.
func Open(dir string) *Cache {
	c := &Cache{entries: make(map[string]Entry)}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger.Warn("session cache directory unavailable, running in memory", zap.Error(err))
		return c
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, "sessions.db"))
	if err != nil {
		logger.Warn("session cache unavailable, running in memory", zap.Error(err))
		return c
	}

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		logger.Warn("session cache misconfigured, running in memory", zap.Error(err))
		db.Close()
		return c
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS active_chats (
			session_id  TEXT PRIMARY KEY,
			counterpart TEXT NOT NULL DEFAULT '',
			preview     TEXT NOT NULL DEFAULT '',
			updated_at  INTEGER NOT NULL
		);
	`); err != nil {
		logger.Warn("session cache schema failed, running in memory", zap.Error(err))
		db.Close()
		return c
	}

	rows, err := db.Query(`SELECT session_id, counterpart, preview, updated_at FROM active_chats`)
	if err != nil {
		logger.Warn("session cache load failed, starting empty", zap.Error(err))
		c.db = db
		return c
	}
	defer rows.Close()

	for rows.Next() {
		var e Entry
		var updatedAt int64
		if err := rows.Scan(&e.SessionID, &e.Counterpart, &e.Preview, &updatedAt); err != nil {
			logger.Warn("session cache row skipped", zap.Error(err))
			continue
		}
		e.UpdatedAt = time.UnixMilli(updatedAt)
		c.entries[e.SessionID] = e
	}

	c.db = db
	return c
}

// Close releases the backing database
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	return err
}

// Record inserts or updates the entry for a session; last write wins by
// timestamp, so a stale record never clobbers a newer one
func (c *Cache) Record(sessionID, counterpart string) {
	c.upsert(Entry{
		SessionID:   sessionID,
		Counterpart: counterpart,
		UpdatedAt:   time.Now(),
	}, false)
}

// Touch refreshes the preview and timestamp without changing membership
func (c *Cache) Touch(sessionID, preview string) {
	c.mu.Lock()
	existing, ok := c.entries[sessionID]
	c.mu.Unlock()
	if !ok {
		return
	}
	existing.Preview = preview
	existing.UpdatedAt = time.Now()
	c.upsert(existing, true)
}

// Remove drops the entry on explicit close or resolve. Safe when absent.
func (c *Cache) Remove(sessionID string) {
	c.mu.Lock()
	delete(c.entries, sessionID)
	db := c.db
	c.mu.Unlock()

	if db == nil {
		return
	}
	if _, err := db.Exec(`DELETE FROM active_chats WHERE session_id = ?`, sessionID); err != nil {
		logger.Warn("session cache delete failed", zap.Error(err))
	}
}

// Get returns one entry
func (c *Cache) Get(sessionID string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[sessionID]
	return e, ok
}

// All returns every entry, most recently updated first
func (c *Cache) All() []Entry {
	c.mu.Lock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// Len returns the number of cached entries
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) upsert(e Entry, overwrite bool) {
	c.mu.Lock()
	if existing, ok := c.entries[e.SessionID]; ok && !overwrite {
		if existing.UpdatedAt.After(e.UpdatedAt) {
			c.mu.Unlock()
			return
		}
		// Keep the preview across re-records of the same session
		if e.Preview == "" {
			e.Preview = existing.Preview
		}
	}
	c.entries[e.SessionID] = e
	db := c.db
	c.mu.Unlock()

	if db == nil {
		return
	}
	_, err := db.Exec(`
		INSERT INTO active_chats (session_id, counterpart, preview, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			counterpart = excluded.counterpart,
			preview     = excluded.preview,
			updated_at  = excluded.updated_at
		WHERE excluded.updated_at >= active_chats.updated_at
	`, e.SessionID, e.Counterpart, e.Preview, e.UpdatedAt.UnixMilli())
	if err != nil {
		logger.Warn("session cache write failed", zap.Error(err))
	}
}

// String implements fmt.Stringer for debug logging
func (c *Cache) String() string {
	return fmt.Sprintf("cache(%d entries)", c.Len())
}
