package notes

import (
	"context"
	"strings"
	"sync"
)

// Board holds the list view state: filters, the current page of notes and its pagination.
// Mutations go through the Client and refetch the page on success, so the local list always
// mirrors the server. A failed mutation leaves the list untouched.
type Board struct {
	client *Client

	mu         sync.RWMutex
	filters    Filters
	notes      []Note
	pagination Pagination
}

// NewBoard returns a Board starting at DefaultFilters.
func NewBoard(client *Client) *Board {
	return &Board{client: client, filters: DefaultFilters(), notes: []Note{}}
}

// Filters returns the active filters.
func (b *Board) Filters() Filters {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.filters
}

// Notes returns a copy of the current page.
func (b *Board) Notes() []Note {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Note(nil), b.notes...)
}

// Pagination returns the pagination of the last successful fetch.
func (b *Board) Pagination() Pagination {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.pagination
}

// SetSearch changes the search text and resets to the first page when it differs.
func (b *Board) SetSearch(search string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	search = strings.TrimSpace(search)
	if search != b.filters.Search {
		b.filters.Search = search
		b.filters.Page = 0
	}
}

// SetTag changes the tag filter and resets to the first page when it differs.
func (b *Board) SetTag(tag string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tag = strings.TrimSpace(tag)
	if tag != b.filters.Tag {
		b.filters.Tag = tag
		b.filters.Page = 0
	}
}

func (b *Board) SetPage(page int) {
	if page < 0 {
		page = 0
	}
	b.mu.Lock()
	b.filters.Page = page
	b.mu.Unlock()
}

func (b *Board) SetSize(size int) {
	if size <= 0 {
		size = DefaultPageSize
	}
	b.mu.Lock()
	b.filters.Size = size
	b.mu.Unlock()
}

func (b *Board) SetSort(sortBy SortField) {
	b.mu.Lock()
	b.filters.SortBy = sortBy
	b.mu.Unlock()
}

// Refresh fetches the page described by the active filters.
func (b *Board) Refresh(ctx context.Context) error {
	filters := b.Filters()
	page, err := b.client.List(ctx, filters)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.filters != filters {
		// Filters moved on while the request was in flight; the newer fetch wins.
		return nil
	}
	b.notes = page.Notes
	b.pagination = page.Pagination
	return nil
}

func (b *Board) Create(ctx context.Context, draft Draft) (Note, error) {
	note, err := b.client.Create(ctx, draft)
	if err != nil {
		return Note{}, err
	}
	return note, b.Refresh(ctx)
}

func (b *Board) Update(ctx context.Context, id int64, draft Draft, version int64) (Note, error) {
	note, err := b.client.Update(ctx, id, draft, version)
	if err != nil {
		return Note{}, err
	}
	return note, b.Refresh(ctx)
}

func (b *Board) Delete(ctx context.Context, id int64) error {
	if err := b.client.Delete(ctx, id); err != nil {
		return err
	}
	return b.Refresh(ctx)
}

func (b *Board) Restore(ctx context.Context, id int64) (Note, error) {
	note, err := b.client.Restore(ctx, id)
	if err != nil {
		return Note{}, err
	}
	return note, b.Refresh(ctx)
}
