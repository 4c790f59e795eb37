package store

import (
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type dbCacheEntry struct {
	db   *gorm.DB
	refs int
	used time.Time
}

// dbCache shares one gorm handle per DSN. A handle is closed when its last
// user releases it.
type dbCache struct {
	mu      sync.Mutex
	entries map[string]*dbCacheEntry
}

var handles = &dbCache{entries: make(map[string]*dbCacheEntry)}

// open returns the cached handle for dsn or opens one with dial.
func (c *dbCache) open(dsn string, dial func(string) gorm.Dialector) (*gorm.DB, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[dsn]; ok {
		e.refs++
		e.used = time.Now()
		return e.db, nil
	}
	db, err := gorm.Open(dial(dsn), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		return nil, err
	}
	c.entries[dsn] = &dbCacheEntry{db: db, refs: 1, used: time.Now()}
	return db, nil
}

// release drops one reference and closes the handle with the last one.
func (c *dbCache) release(dsn string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[dsn]
	if !ok {
		return nil
	}
	if e.refs--; e.refs > 0 {
		return nil
	}
	delete(c.entries, dsn)
	sqlDB, err := e.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// size reports how many handles are open.
func (c *dbCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
