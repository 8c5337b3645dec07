// Package storage は gorm を使った永続化レイヤーを提供します。
//
// DATABASE_URL のスキームでドライバーを切り替えます。
//   - sqlite:///relative/path.db, sqlite:////absolute/path.db
//   - postgres://..., postgresql://...
package storage

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/yourusername/inkpost/internal/models"
)

var (
	ErrNotFound          = errors.New("record not found")
	ErrDuplicateEmail    = errors.New("email already exists")
	ErrDuplicateUsername = errors.New("username already exists")
	ErrAuthorNotFound    = errors.New("post author does not exist")
	ErrInvalidPost       = errors.New("post title and content are required")
)

// Error はストレージ操作の失敗を表します。呼び出し側で再試行可能なエラーです。
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable は一時的な障害として再試行してよいかを返します。
func (e *Error) Retryable() bool {
	return true
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

// Dialect は DATABASE_URL から得られた接続先です。
type Dialect struct {
	Driver string // "sqlite" or "postgres"
	DSN    string
}

// ParseURL は DATABASE_URL を解析してドライバーと DSN を返します。
func ParseURL(databaseURL string) (Dialect, error) {
	raw := strings.TrimSpace(databaseURL)
	switch {
	case strings.HasPrefix(raw, "sqlite:///"):
		path := strings.TrimPrefix(raw, "sqlite:///")
		if path == "" {
			return Dialect{}, fmt.Errorf("sqlite url %q has no database path", databaseURL)
		}
		return Dialect{Driver: "sqlite", DSN: path}, nil
	case strings.HasPrefix(raw, "postgres://"), strings.HasPrefix(raw, "postgresql://"):
		return Dialect{Driver: "postgres", DSN: raw}, nil
	default:
		return Dialect{}, fmt.Errorf("unsupported DATABASE_URL %q", databaseURL)
	}
}

// Options は Open の挙動を調整します。
type Options struct {
	Logger *log.Logger
	// LogLevel は gorm のログレベルです。ゼロ値は Warn として扱います。
	LogLevel logger.LogLevel
}

// Open はデータベースに接続し、スキーマを自動マイグレーションします。
func Open(databaseURL string, opts Options) (*gorm.DB, error) {
	dialect, err := ParseURL(databaseURL)
	if err != nil {
		return nil, err
	}

	out := opts.Logger
	if out == nil {
		out = log.New(os.Stdout, "", log.LstdFlags)
	}
	level := opts.LogLevel
	if level == 0 {
		level = logger.Warn
	}
	gormLogger := logger.New(out, logger.Config{
		SlowThreshold:             time.Second,
		LogLevel:                  level,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})

	var dialector gorm.Dialector
	switch dialect.Driver {
	case "sqlite":
		if dir := filepath.Dir(dialect.DSN); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create sqlite directory: %w", err)
			}
		}
		dialector = sqlite.Open(dialect.DSN + "?_foreign_keys=on&_busy_timeout=5000")
	case "postgres":
		dialector = postgres.Open(dialect.DSN)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormLogger,
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", dialect.Driver, err)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate は users / posts テーブルを作成・更新します。
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(models.All()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

// Close は下位の接続プールを閉じます。
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
