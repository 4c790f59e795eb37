// Package store persists access lines so runtime K, D and G-lines survive a
// restart. Paths ending in .json hold one JSON document; anything else is
// opened with gorm as sqlite, mysql:// or postgres://.
package store

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/presbrey/ts6d/irc/access"
)

// ErrNotFound is returned when deleting a line that is not stored.
var ErrNotFound = errors.New("line not stored")

// Store is a persistent set of access lines keyed by kind and Line.Key.
type Store interface {
	// Load returns every stored line.
	Load(ctx context.Context) ([]access.Line, error)
	// Save inserts or replaces a line.
	Save(ctx context.Context, l access.Line) error
	// Delete removes a line.
	Delete(ctx context.Context, kind access.Kind, key string) error
	Close() error
}

// Open picks a backend for path.
func Open(path string, log *zap.SugaredLogger) (Store, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	log = log.Named("store")
	if strings.HasSuffix(strings.ToLower(path), ".json") {
		log.Infow("using document store", "path", path)
		d, err := OpenDocument(path)
		if err != nil {
			return nil, err
		}
		return d, nil
	}
	log.Infow("using sql store", "dsn", redact(path))
	s, err := OpenSQL(path, log)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// redact hides a password in a URL style DSN.
func redact(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	scheme := strings.Index(dsn, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return dsn
	}
	creds := dsn[scheme+3 : at]
	if i := strings.Index(creds, ":"); i >= 0 {
		return dsn[:scheme+3] + creds[:i] + ":***" + dsn[at:]
	}
	return dsn
}
