package tokenstore

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/client/internal/database"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	keyLegacyAccessToken = "notes_access_token"

	migrationPurgeDurableAccessToken = "2026-10-01_purge_durable_access_token"
)

var errMissingDatabase = errors.New("tokenstore: database handle is required")

// Tier is a string key/value medium backing one storage tier.
type Tier interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Delete(key string) error
}

// MemoryTier keeps values for the lifetime of the process.
type MemoryTier struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryTier constructs an empty in-memory tier.
func NewMemoryTier() *MemoryTier {
	return &MemoryTier{values: make(map[string]string)}
}

func (t *MemoryTier) Get(key string) (string, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	value, ok := t.values[key]
	return value, ok, nil
}

func (t *MemoryTier) Set(key, value string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.values[key] = value
	return nil
}

func (t *MemoryTier) Delete(key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.values, key)
	return nil
}

// CredentialRecord is one durable key/value row.
type CredentialRecord struct {
	Key              string `gorm:"column:name;primaryKey;size:190;not null"`
	Value            string `gorm:"column:value;type:text;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CredentialRecord) TableName() string {
	return "client_credentials"
}

// DurableTier persists values in the local SQLite credentials file.
type DurableTier struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewDurableTier wraps an opened database. The schema must already be migrated.
func NewDurableTier(db *gorm.DB) (*DurableTier, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &DurableTier{db: db, clock: time.Now}, nil
}

// OpenDurableTier opens the credentials database at path and returns a tier over it.
func OpenDurableTier(path string, logger *zap.Logger) (*DurableTier, error) {
	db, err := database.OpenSQLite(path, database.Options{
		Models:     []any{&CredentialRecord{}},
		Migrations: migrations(),
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	return NewDurableTier(db)
}

// Close releases the underlying connection.
func (t *DurableTier) Close() error {
	sqlDB, err := t.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (t *DurableTier) Get(key string) (string, bool, error) {
	var record CredentialRecord
	err := t.db.Where("name = ?", key).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return record.Value, true, nil
}

func (t *DurableTier) Set(key, value string) error {
	record := CredentialRecord{Key: key, Value: value, UpdatedAtSeconds: t.clock().UTC().Unix()}
	return t.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at_s"}),
	}).Create(&record).Error
}

func (t *DurableTier) Delete(key string) error {
	return t.db.Where("name = ?", key).Delete(&CredentialRecord{}).Error
}

// Older clients kept the access token durably; it must only live in the session tier.
func migrations() []database.Migration {
	return []database.Migration{{
		Name: migrationPurgeDurableAccessToken,
		Apply: func(db *gorm.DB) error {
			return db.Where("name = ?", keyLegacyAccessToken).Delete(&CredentialRecord{}).Error
		},
	}}
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
