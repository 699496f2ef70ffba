package devapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errNoteNotFound    = errors.New("note not found")
	errVersionMismatch = errors.New("version mismatch")
	errNoteNotDeleted  = errors.New("note is not deleted")
	noOpLogger         = zap.NewNop()
)

// ServiceError carries an "operation.reason" code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opNotesNew     = "notes.service.new"
	opListNotes    = "notes.list"
	opGetNote      = "notes.get"
	opCreateNote   = "notes.create"
	opUpdateNote   = "notes.update"
	opDeleteNote   = "notes.delete"
	opRestoreNote  = "notes.restore"
	defaultSize    = 10
	maxPageSize    = 100
	queryAccount   = "account_id = ?"
	queryAccountID = "account_id = ? AND id = ?"
)

var sortColumns = map[string]string{
	"createdAt": "created_at DESC",
	"updatedAt": "updated_at DESC",
	"title":     "title ASC",
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type NoteServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// NoteService stores per-account, versioned, soft-deletable notes.
type NoteService struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

func NewNoteService(cfg NoteServiceConfig) (*NoteService, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opNotesNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &NoteService{db: cfg.Database, clock: clock, logger: logger}, nil
}

// List returns live notes of the account matching query. Deleted notes are excluded.
func (s *NoteService) List(ctx context.Context, accountID int64, query NoteQuery) (NotePage, error) {
	size := query.Size
	if size <= 0 {
		size = defaultSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	page := query.Page
	if page < 0 {
		page = 0
	}
	order, ok := sortColumns[query.SortBy]
	if !ok {
		order = sortColumns["updatedAt"]
	}

	scope := s.db.WithContext(ctx).Model(&NoteRecord{}).
		Where(queryAccount, accountID).
		Where("deleted_at IS NULL")
	if search := strings.ToLower(strings.TrimSpace(query.Search)); search != "" {
		pattern := "%" + search + "%"
		scope = scope.Where("(LOWER(title) LIKE ? OR LOWER(content) LIKE ?)", pattern, pattern)
	}
	if tag := strings.TrimSpace(query.Tag); tag != "" {
		encoded, _ := json.Marshal(tag)
		scope = scope.Where("tags_json LIKE ?", "%"+string(encoded)+"%")
	}

	var total int64
	if err := scope.Count(&total).Error; err != nil {
		s.logError(opListNotes, "count_failed", err, zap.Int64("account_id", accountID))
		return NotePage{}, newServiceError(opListNotes, "count_failed", err)
	}

	records := []NoteRecord{}
	if err := scope.Order(order).Order("id DESC").Limit(size).Offset(page * size).Find(&records).Error; err != nil {
		s.logError(opListNotes, "query_failed", err, zap.Int64("account_id", accountID))
		return NotePage{}, newServiceError(opListNotes, "query_failed", err)
	}

	totalPages := int((total + int64(size) - 1) / int64(size))
	return NotePage{
		Notes:         records,
		Page:          page,
		Size:          size,
		TotalElements: total,
		TotalPages:    totalPages,
		Last:          page >= totalPages-1,
	}, nil
}

// Get returns a note of the account, deleted or not.
func (s *NoteService) Get(ctx context.Context, accountID, noteID int64) (NoteRecord, error) {
	var record NoteRecord
	err := s.db.WithContext(ctx).Where(queryAccountID, accountID, noteID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return NoteRecord{}, newServiceError(opGetNote, "not_found", errNoteNotFound)
	}
	if err != nil {
		s.logError(opGetNote, "query_failed", err, zap.Int64("note_id", noteID))
		return NoteRecord{}, newServiceError(opGetNote, "query_failed", err)
	}
	return record, nil
}

func (s *NoteService) Create(ctx context.Context, accountID int64, input NoteInput) (NoteRecord, error) {
	tagsJSON, err := encodeTags(input.Tags)
	if err != nil {
		return NoteRecord{}, newServiceError(opCreateNote, "invalid_tags", err)
	}
	now := s.clock().UTC()
	record := NoteRecord{
		AccountID: accountID,
		Title:     strings.TrimSpace(input.Title),
		Content:   input.Content,
		TagsJSON:  tagsJSON,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logError(opCreateNote, "insert_failed", err, zap.Int64("account_id", accountID))
		return NoteRecord{}, newServiceError(opCreateNote, "insert_failed", err)
	}
	return record, nil
}

// Update replaces the editable fields when the precondition holds and bumps the version.
func (s *NoteService) Update(ctx context.Context, accountID, noteID int64, input NoteInput, expectedVersion int64, hasPrecondition bool) (NoteRecord, error) {
	tagsJSON, err := encodeTags(input.Tags)
	if err != nil {
		return NoteRecord{}, newServiceError(opUpdateNote, "invalid_tags", err)
	}
	var updated NoteRecord
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		stored, err := s.lockNote(tx, opUpdateNote, accountID, noteID)
		if err != nil {
			return err
		}
		if !checkVersion(&stored, expectedVersion, hasPrecondition) {
			return newServiceError(opUpdateNote, "version_mismatch", errVersionMismatch)
		}
		stored.Title = strings.TrimSpace(input.Title)
		stored.Content = input.Content
		stored.TagsJSON = tagsJSON
		stored.Version = nextVersion(&stored)
		stored.UpdatedAt = s.clock().UTC()
		if err := tx.Save(&stored).Error; err != nil {
			s.logError(opUpdateNote, "note_save_failed", err, zap.Int64("note_id", noteID))
			return newServiceError(opUpdateNote, "note_save_failed", err)
		}
		updated = stored
		return nil
	})
	if txErr != nil {
		return NoteRecord{}, txErr
	}
	return updated, nil
}

// Delete soft-deletes a note. Deleting an already deleted note is a no-op.
func (s *NoteService) Delete(ctx context.Context, accountID, noteID int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		stored, err := s.lockNote(tx, opDeleteNote, accountID, noteID)
		if err != nil {
			return err
		}
		if stored.DeletedAt != nil {
			return nil
		}
		now := s.clock().UTC()
		stored.DeletedAt = &now
		stored.UpdatedAt = now
		stored.Version = nextVersion(&stored)
		if err := tx.Save(&stored).Error; err != nil {
			s.logError(opDeleteNote, "note_save_failed", err, zap.Int64("note_id", noteID))
			return newServiceError(opDeleteNote, "note_save_failed", err)
		}
		return nil
	})
}

// Restore reverses a soft delete. Restoring a live note is rejected.
func (s *NoteService) Restore(ctx context.Context, accountID, noteID int64) (NoteRecord, error) {
	var restored NoteRecord
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		stored, err := s.lockNote(tx, opRestoreNote, accountID, noteID)
		if err != nil {
			return err
		}
		if stored.DeletedAt == nil {
			return newServiceError(opRestoreNote, "not_deleted", errNoteNotDeleted)
		}
		stored.DeletedAt = nil
		stored.UpdatedAt = s.clock().UTC()
		stored.Version = nextVersion(&stored)
		if err := tx.Save(&stored).Error; err != nil {
			s.logError(opRestoreNote, "note_save_failed", err, zap.Int64("note_id", noteID))
			return newServiceError(opRestoreNote, "note_save_failed", err)
		}
		restored = stored
		return nil
	})
	if txErr != nil {
		return NoteRecord{}, txErr
	}
	return restored, nil
}

func (s *NoteService) lockNote(tx *gorm.DB, operation string, accountID, noteID int64) (NoteRecord, error) {
	var stored NoteRecord
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(queryAccountID, accountID, noteID).
		Take(&stored).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return NoteRecord{}, newServiceError(operation, "not_found", errNoteNotFound)
	}
	if err != nil {
		s.logError(operation, "note_select_failed", err, zap.Int64("note_id", noteID))
		return NoteRecord{}, newServiceError(operation, "note_select_failed", err)
	}
	return stored, nil
}

func encodeTags(tags []string) (string, error) {
	cleaned := make([]string, 0, len(tags))
	for _, tag := range tags {
		if trimmed := strings.TrimSpace(tag); trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}
	encoded, err := json.Marshal(cleaned)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func (s *NoteService) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *NoteService) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("notes service error", attrs...)
}
