// Package store manages the encrypted identity database: key-material
// bootstrap, the GORM connection over the pure-Go modernc SQLite driver,
// schema migrations (embedded, applied via golang-migrate), and transactional
// access for the auth services. Sensitive columns are encrypted at rest with
// AES-256-GCM via the EncryptedString/EncryptedBytes field types; the key
// lives in a sibling keyfile created on first use.
package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	// modernc pure-Go SQLite driver; no CGO required.
	// Registers itself as "sqlite" in database/sql.
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// keyBytes is the length of the at-rest encryption key (AES-256).
const keyBytes = 32

// canaryPlaintext is sealed with the database key on first open and checked
// on every subsequent open. A failed decryption means the keyfile does not
// match the database it sits next to.
const canaryPlaintext = "library-auth-canary-v1"

// KeyMaterialError reports a problem with the keyfile or a key/database
// mismatch. WrongKey distinguishes "this key does not decrypt this database"
// from an unreadable or malformed keyfile.
type KeyMaterialError struct {
	Path     string
	WrongKey bool
	Err      error
}

func (e *KeyMaterialError) Error() string {
	if e.WrongKey {
		return fmt.Sprintf("store: key at %s does not match database: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("store: key material at %s: %v", e.Path, e.Err)
}

func (e *KeyMaterialError) Unwrap() error { return e.Err }

// Config holds everything needed to open the encrypted store.
type Config struct {
	// Path is the SQLite database file. Use "file::memory:" DSNs only in tests.
	Path string
	// KeyPath is the sibling keyfile holding the hex-encoded 256-bit key.
	// Created with owner-only permissions if absent.
	KeyPath string
	Logger  *zap.Logger
	// LogLevel controls GORM SQL logging. Defaults to Warn.
	LogLevel gormlogger.LogLevel
}

// Store owns the database handle. All services persist through it; writes are
// serialized by SQLite's single-writer discipline (MaxOpenConns(1)).
type Store struct {
	db  *gorm.DB
	log *zap.Logger
}

// Report is the health contract returned by Verify. It is always populated;
// a failure sets CanConnect=false and carries the error string instead of
// propagating it.
type Report struct {
	CanConnect    bool   `json:"can_connect"`
	SchemaVersion int    `json:"schema_version"`
	UserCount     int64  `json:"user_count"`
	Err           string `json:"error,omitempty"`
}

// Open bootstraps the key material, opens the database, applies pending
// migrations, and verifies that the key matches the database contents.
func Open(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		return nil, errors.New("store: logger is required")
	}

	key, err := loadOrCreateKey(cfg.KeyPath)
	if err != nil {
		return nil, err
	}
	if err := initEncryption(key); err != nil {
		return nil, err
	}

	// Open the connection manually via database/sql using the modernc driver,
	// then hand the existing *sql.DB to GORM so it does not try to open a
	// second connection with go-sqlite3.
	dsn := cfg.Path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: failed to open sqlite: %w", err)
	}
	// SQLite supports only one writer at a time.
	sqlDB.SetMaxOpenConns(1)

	database, err := gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, &gorm.Config{
		Logger: newQueryLogger(cfg.Logger, cfg.LogLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("store: failed to initialize gorm: %w", err)
	}

	if err := runMigrations(sqlDB, cfg.Logger); err != nil {
		return nil, fmt.Errorf("store: migrations failed: %w", err)
	}

	s := &Store{db: database, log: cfg.Logger.Named("store")}

	if err := s.checkCanary(cfg.KeyPath); err != nil {
		return nil, err
	}

	return s, nil
}

// DB returns the underlying GORM handle for read paths. Multi-statement
// mutations must go through Tx instead.
func (s *Store) DB() *gorm.DB { return s.db }

// Tx runs fn inside a write transaction with deferred foreign-key checking,
// so rows may be inserted in any order as long as the transaction commits
// consistent. The transaction commits or rolls back deterministically even if
// the originating HTTP client has gone away.
func (s *Store) Tx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("PRAGMA defer_foreign_keys = ON").Error; err != nil {
			return fmt.Errorf("store: defer foreign keys: %w", err)
		}
		return fn(tx)
	})
}

// Verify reports store health. It never returns an error; failures are
// folded into the report so the health endpoint can always respond.
func (s *Store) Verify(ctx context.Context) Report {
	var rep Report

	sqlDB, err := s.db.DB()
	if err != nil {
		rep.Err = err.Error()
		return rep
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		rep.Err = err.Error()
		return rep
	}

	var m meta
	if err := s.db.WithContext(ctx).First(&m).Error; err != nil {
		rep.Err = err.Error()
		return rep
	}
	rep.SchemaVersion = m.SchemaVersion

	if err := s.db.WithContext(ctx).Model(&User{}).Count(&rep.UserCount).Error; err != nil {
		rep.Err = err.Error()
		return rep
	}

	rep.CanConnect = true
	return rep
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// checkCanary seals a known plaintext into the meta row on first open and
// decrypts it on every later open. A GCM authentication failure here means
// the keyfile was replaced or points at the wrong database, reported as a
// wrong-key KeyMaterialError, distinct from plain corruption.
func (s *Store) checkCanary(keyPath string) error {
	var m meta
	if err := s.db.First(&m).Error; err != nil {
		return fmt.Errorf("store: reading meta row: %w", err)
	}

	if m.Canary == "" {
		sealed, err := sealString(canaryPlaintext)
		if err != nil {
			return fmt.Errorf("store: sealing canary: %w", err)
		}
		if err := s.db.Model(&meta{}).Where("id = 1").Update("canary", sealed).Error; err != nil {
			return fmt.Errorf("store: writing canary: %w", err)
		}
		return nil
	}

	plain, err := openString(m.Canary)
	if err != nil {
		return &KeyMaterialError{Path: keyPath, WrongKey: true, Err: err}
	}
	if plain != canaryPlaintext {
		return &KeyMaterialError{Path: keyPath, WrongKey: true, Err: errors.New("canary mismatch")}
	}
	return nil
}

// loadOrCreateKey reads the hex-encoded key from path, generating a fresh
// random key with owner-only permissions if the file does not exist yet.
// The keyfile is read once here and not held open.
func loadOrCreateKey(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		key, decErr := hex.DecodeString(string(trimNewline(raw)))
		if decErr != nil || len(key) != keyBytes {
			return nil, &KeyMaterialError{Path: path, Err: fmt.Errorf("malformed keyfile (want %d hex-encoded bytes)", keyBytes)}
		}
		return key, nil

	case errors.Is(err, fs.ErrNotExist):
		key := make([]byte, keyBytes)
		if _, err := io.ReadFull(rand.Reader, key); err != nil {
			return nil, &KeyMaterialError{Path: path, Err: fmt.Errorf("generating key: %w", err)}
		}
		if err := os.WriteFile(path, []byte(hex.EncodeToString(key)+"\n"), 0o600); err != nil {
			return nil, &KeyMaterialError{Path: path, Err: fmt.Errorf("writing keyfile: %w", err)}
		}
		return key, nil

	default:
		return nil, &KeyMaterialError{Path: path, Err: err}
	}
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}

// runMigrations applies all pending up-migrations from the embedded SQL files.
// ErrNoChange is treated as success. The sqlite migrate driver runs each
// migration inside a transaction, so a failed migration leaves the previous
// schema_version intact.
func runMigrations(sqlDB *sql.DB, log *zap.Logger) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	drv, err := migratesqlite.WithInstance(sqlDB, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite migrate driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	log.Info("database migrations applied")
	return nil
}
