package notes

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/gravity/client/internal/apierror"
)

// SortField enumerates server-side orderings.
type SortField string

const (
	SortByCreatedAt SortField = "createdAt"
	SortByUpdatedAt SortField = "updatedAt"
	SortByTitle     SortField = "title"
)

const (
	DefaultPageSize = 10
	minTitleLength  = 3
)

// Note is a note as returned by the server.
type Note struct {
	ID        int64      `json:"id"`
	Title     string     `json:"title"`
	Content   string     `json:"content"`
	Tags      []string   `json:"tags"`
	Version   int64      `json:"version"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
}

// Deleted reports whether the note is soft-deleted.
func (n Note) Deleted() bool {
	return n.DeletedAt != nil
}

// Draft is the editable part of a note, sent on create and update.
type Draft struct {
	Title   string   `json:"title"`
	Content string   `json:"content"`
	Tags    []string `json:"tags"`
}

// Normalize trims every field and drops empty or repeated tags, keeping first occurrences in order.
func (d Draft) Normalize() Draft {
	tags := make([]string, 0, len(d.Tags))
	seen := make(map[string]struct{}, len(d.Tags))
	for _, tag := range d.Tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		tags = append(tags, tag)
	}
	return Draft{
		Title:   strings.TrimSpace(d.Title),
		Content: strings.TrimSpace(d.Content),
		Tags:    tags,
	}
}

// Validate checks a normalized draft and reports per-field messages.
func (d Draft) Validate(op string) error {
	fields := map[string]string{}
	switch {
	case d.Title == "":
		fields["title"] = "Title is required"
	case utf8.RuneCountInString(d.Title) < minTitleLength:
		fields["title"] = "Title must be at least 3 characters"
	}
	if d.Content == "" {
		fields["content"] = "Content is required"
	}
	if len(fields) == 0 {
		return nil
	}
	return apierror.Validation(op, fields)
}

// Filters shapes a list query. The zero value is not useful; start from DefaultFilters.
type Filters struct {
	Search string
	Tag    string
	Page   int
	Size   int
	SortBy SortField
}

// DefaultFilters returns the first page sorted by last update.
func DefaultFilters() Filters {
	return Filters{Page: 0, Size: DefaultPageSize, SortBy: SortByUpdatedAt}
}

// Pagination is copied verbatim from the last list response.
type Pagination struct {
	Page          int   `json:"page"`
	Size          int   `json:"size"`
	TotalElements int64 `json:"totalElements"`
	TotalPages    int   `json:"totalPages"`
	Last          bool  `json:"last"`
}

// Page is one list response.
type Page struct {
	Notes []Note `json:"notes"`
	Pagination
}

// ParseSortField accepts the wire names of the supported orderings.
func ParseSortField(raw string) (SortField, bool) {
	switch SortField(strings.TrimSpace(raw)) {
	case SortByCreatedAt:
		return SortByCreatedAt, true
	case SortByUpdatedAt:
		return SortByUpdatedAt, true
	case SortByTitle:
		return SortByTitle, true
	default:
		return "", false
	}
}
