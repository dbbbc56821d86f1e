// Package history is the connection-history store: saved endpoints and
// their secrets, looked up by descriptor equivalence when a reconnect or
// import needs a credential the live descriptor no longer carries.
package history

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ashterm/ashcore/internal/secrets"
	"github.com/ashterm/ashcore/internal/transport"
)

// Store wraps the sqlite-backed history database.
type Store struct {
	db    *gorm.DB
	codec *secrets.Codec
}

// Open creates (or opens) the history database at path and migrates the
// schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := db.AutoMigrate(&Entry{}, &Setting{}); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}

	s := &Store{db: db}
	s.codec = secrets.NewCodec(s)
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// GetSetting returns the value for a settings key.
func (s *Store) GetSetting(key string) (string, error) {
	var setting Setting
	if err := s.db.First(&setting, "key = ?", key).Error; err != nil {
		return "", err
	}
	return setting.Value, nil
}

// SetSetting upserts a settings key.
func (s *Store) SetSetting(key, value string) error {
	setting := Setting{Key: key, Value: value}
	return s.db.Save(&setting).Error
}

// entryFor builds an Entry row from a descriptor.
func entryFor(desc transport.Descriptor) Entry {
	return Entry{
		ConnectionKey: desc.ConnectionKey(),
		Protocol:      string(desc.Protocol),
		Host:          desc.Host,
		Port:          desc.EffectivePort(),
		Username:      desc.Username,
		Device:        desc.Device,
		BaudRate:      desc.BaudRate,
		DataBits:      desc.DataBits,
		StopBits:      desc.StopBits,
		Parity:        desc.Parity,
		FlowControl:   desc.FlowControl,
	}
}

// Save records (or refreshes) the history entry for a descriptor. A
// non-empty secret is encrypted and stored; an empty one leaves any saved
// secret untouched.
func (s *Store) Save(desc transport.Descriptor, secret string) error {
	key := desc.ConnectionKey()

	var existing Entry
	err := s.db.First(&existing, "connection_key = ?", key).Error
	switch {
	case err == nil:
		existing.LastUsedAt = time.Now()
		if secret != "" {
			enc, err := s.codec.Encrypt(secret)
			if err != nil {
				return fmt.Errorf("encrypt secret: %w", err)
			}
			existing.SecretEnc = enc
		}
		return s.db.Save(&existing).Error
	case errors.Is(err, gorm.ErrRecordNotFound):
		entry := entryFor(desc)
		entry.LastUsedAt = time.Now()
		if secret != "" {
			enc, err := s.codec.Encrypt(secret)
			if err != nil {
				return fmt.Errorf("encrypt secret: %w", err)
			}
			entry.SecretEnc = enc
		}
		return s.db.Create(&entry).Error
	default:
		return err
	}
}

// ResolveSecret recovers the saved secret for any descriptor equivalent to
// desc. Implements session.SecretResolver.
func (s *Store) ResolveSecret(desc transport.Descriptor) (string, bool) {
	var entry Entry
	if err := s.db.First(&entry, "connection_key = ?", desc.ConnectionKey()).Error; err != nil {
		return "", false
	}
	if entry.SecretEnc == "" {
		return "", false
	}
	secret, err := s.codec.Decrypt(entry.SecretEnc)
	if err != nil {
		log.Printf("[history] undecryptable secret for %s: %v", entry.ConnectionKey, err)
		return "", false
	}
	log.Printf("[history] resolved secret %s for %s", secrets.Mask(secret), entry.ConnectionKey)
	return secret, true
}

// Touch refreshes the last-used timestamp for a descriptor's entry.
func (s *Store) Touch(desc transport.Descriptor) {
	s.db.Model(&Entry{}).
		Where("connection_key = ?", desc.ConnectionKey()).
		Update("last_used_at", time.Now())
}

// Recent returns the n most recently used entries.
func (s *Store) Recent(n int) ([]Entry, error) {
	var entries []Entry
	err := s.db.Order("last_used_at DESC").Limit(n).Find(&entries).Error
	return entries, err
}

// Delete removes the entry for a descriptor.
func (s *Store) Delete(desc transport.Descriptor) error {
	return s.db.Delete(&Entry{}, "connection_key = ?", desc.ConnectionKey()).Error
}

// Prune removes entries not used within the retention window. Returns the
// number of rows removed; runs from the scheduled maintenance job.
func (s *Store) Prune(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	res := s.db.Delete(&Entry{}, "last_used_at < ?", cutoff)
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		log.Printf("[history] pruned %d stale entries", res.RowsAffected)
	}
	return res.RowsAffected, nil
}
