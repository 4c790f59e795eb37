package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/presbrey/ts6d/irc/access"
)

// LineRecord is the SQL row for one line.
type LineRecord struct {
	ID             uint   `gorm:"primaryKey"`
	Kind           string `gorm:"size:1;uniqueIndex:idx_line_kind_key;not null"`
	Key            string `gorm:"column:line_key;size:255;uniqueIndex:idx_line_kind_key;not null"`
	Mask           string `gorm:"size:255"`
	IP             string `gorm:"size:64"`
	Reason         string
	SetBy          string `gorm:"size:255"`
	SetAt          time.Time
	Duration       int64
	Class          string `gorm:"size:64"`
	MaxConnections int
	Password       string
	Flags          string
	Server         string `gorm:"size:255"`
	Name           string `gorm:"size:255"`
}

// TableName keeps the table name stable across gorm naming strategies.
func (LineRecord) TableName() string { return "access_lines" }

func recordOf(l access.Line) LineRecord {
	return LineRecord{
		Kind: string(l.Kind), Key: l.Key(), Mask: l.Mask, IP: l.IP, Reason: l.Reason,
		SetBy: l.SetBy, SetAt: l.SetAt, Duration: l.Duration, Class: l.Class,
		MaxConnections: l.MaxConnections, Password: l.Password,
		Flags: strings.Join(l.Flags, ","), Server: l.Server, Name: l.Name,
	}
}

func (r LineRecord) line() access.Line {
	l := access.Line{
		Kind: access.Kind(r.Kind), Mask: r.Mask, IP: r.IP, Reason: r.Reason,
		SetBy: r.SetBy, SetAt: r.SetAt, Duration: r.Duration, Class: r.Class,
		MaxConnections: r.MaxConnections, Password: r.Password,
		Server: r.Server, Name: r.Name,
	}
	if r.Flags != "" {
		l.Flags = strings.Split(r.Flags, ",")
	}
	return l
}

// SQL stores lines in the access_lines table.
type SQL struct {
	db  *gorm.DB
	dsn string
	log *zap.SugaredLogger
}

// dialector maps a DSN to its gorm driver and the DSN the driver expects.
func dialector(dsn string) (func(string) gorm.Dialector, string) {
	switch {
	case strings.HasPrefix(dsn, "mysql://"):
		return mysql.Open, strings.TrimPrefix(dsn, "mysql://")
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return postgres.Open, dsn
	case strings.HasPrefix(dsn, "sqlite://"):
		return sqlite.Open, strings.TrimPrefix(dsn, "sqlite://")
	}
	return sqlite.Open, dsn
}

// OpenSQL opens or reuses a handle for dsn and migrates the schema.
func OpenSQL(dsn string, log *zap.SugaredLogger) (*SQL, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	dial, driverDSN := dialector(dsn)
	db, err := handles.open(driverDSN, dial)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", redact(dsn), err)
	}
	if err := db.AutoMigrate(&LineRecord{}); err != nil {
		_ = handles.release(driverDSN)
		return nil, fmt.Errorf("migrate %s: %w", redact(dsn), err)
	}
	return &SQL{db: db, dsn: driverDSN, log: log}, nil
}

func (s *SQL) Load(ctx context.Context) ([]access.Line, error) {
	var rows []LineRecord
	if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]access.Line, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.line())
	}
	return out, nil
}

func (s *SQL) Save(ctx context.Context, l access.Line) error {
	rec := recordOf(l)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "kind"}, {Name: "line_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"mask", "ip", "reason", "set_by", "set_at", "duration", "class", "max_connections", "password", "flags", "server", "name"}),
	}).Create(&rec).Error
}

func (s *SQL) Delete(ctx context.Context, kind access.Kind, key string) error {
	res := s.db.WithContext(ctx).Where("kind = ? AND line_key = ?", string(kind), key).Delete(&LineRecord{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	s.log.Debugw("line deleted", "kind", kind, "key", key)
	return nil
}

// Close releases the shared handle.
func (s *SQL) Close() error { return handles.release(s.dsn) }
