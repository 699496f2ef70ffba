package devapi

import (
	"encoding/json"
	"time"
)

// Account is a registered user.
type Account struct {
	ID           int64     `gorm:"column:id;primaryKey;autoIncrement"`
	Username     string    `gorm:"column:username;size:50;not null;uniqueIndex"`
	Email        string    `gorm:"column:email;size:320;not null;uniqueIndex"`
	PasswordHash string    `gorm:"column:password_hash;size:100;not null"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Account) TableName() string {
	return "accounts"
}

// RefreshToken stores the hash of an opaque refresh token. Rotated tokens stay behind with
// RotatedAtSeconds set so reuse can be detected.
type RefreshToken struct {
	TokenHash        string `gorm:"column:token_hash;primaryKey;size:64;not null"`
	FamilyID         string `gorm:"column:family_id;size:64;not null;index"`
	AccountID        int64  `gorm:"column:account_id;not null;index"`
	IssuedAtSeconds  int64  `gorm:"column:issued_at_s;not null"`
	ExpiresAtSeconds int64  `gorm:"column:expires_at_s;not null"`
	RotatedAtSeconds int64  `gorm:"column:rotated_at_s;not null;default:0"`
	RevokedAtSeconds int64  `gorm:"column:revoked_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (RefreshToken) TableName() string {
	return "refresh_tokens"
}

// NoteRecord is the persisted form of a note.
type NoteRecord struct {
	ID        int64      `gorm:"column:id;primaryKey;autoIncrement"`
	AccountID int64      `gorm:"column:account_id;not null;index:idx_notes_account_updated,priority:1"`
	Title     string     `gorm:"column:title;size:255;not null"`
	Content   string     `gorm:"column:content;type:text;not null"`
	TagsJSON  string     `gorm:"column:tags_json;type:text;not null;default:'[]'"`
	Version   int64      `gorm:"column:version;not null;default:1"`
	CreatedAt time.Time  `gorm:"column:created_at;not null"`
	UpdatedAt time.Time  `gorm:"column:updated_at;not null;index:idx_notes_account_updated,priority:2"`
	DeletedAt *time.Time `gorm:"column:deleted_at"`
}

// TableName provides the explicit table binding for GORM.
func (NoteRecord) TableName() string {
	return "notes"
}

// Tags decodes the stored tag list.
func (r NoteRecord) Tags() []string {
	tags := []string{}
	if r.TagsJSON == "" {
		return tags
	}
	_ = json.Unmarshal([]byte(r.TagsJSON), &tags)
	return tags
}

// NoteInput is the editable part of a note.
type NoteInput struct {
	Title   string   `json:"title" binding:"required,min=3,max=255"`
	Content string   `json:"content" binding:"required"`
	Tags    []string `json:"tags" binding:"max=32,dive,max=64"`
}

// NoteQuery filters a list request.
type NoteQuery struct {
	Search string
	Tag    string
	Page   int
	Size   int
	SortBy string
}

// NotePage is one page of notes.
type NotePage struct {
	Notes         []NoteRecord
	Page          int
	Size          int
	TotalElements int64
	TotalPages    int
	Last          bool
}

func models() []any {
	return []any{&Account{}, &RefreshToken{}, &NoteRecord{}}
}
