// Package notes provides access to the signed-in user's notes through the request gateway.
package notes

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/gravity/client/internal/apierror"
	"github.com/MarcoPoloResearchLab/gravity/client/internal/gateway"
	"go.uber.org/zap"
)

const (
	notesPath = "/notes"

	opList    = "notes.list"
	opGet     = "notes.get"
	opCreate  = "notes.create"
	opUpdate  = "notes.update"
	opDelete  = "notes.delete"
	opRestore = "notes.restore"
)

var (
	errMissingSender  = errors.New("notes: sender is required")
	errInvalidNoteID  = errors.New("notes: note id must be positive")
	errInvalidVersion = errors.New("notes: version must be positive")
	errInvalidFilter  = errors.New("notes: invalid filters")
)

// Sender dispatches authenticated requests.
type Sender interface {
	Send(ctx context.Context, request gateway.Request) (*gateway.Response, error)
}

// ClientConfig wires a Client.
type ClientConfig struct {
	Sender Sender
	Logger *zap.Logger
}

// Client performs CRUD over the notes collection.
type Client struct {
	sender Sender
	logger *zap.Logger
}

// NewClient validates the configuration and returns a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Sender == nil {
		return nil, errMissingSender
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{sender: cfg.Sender, logger: logger}, nil
}

// List fetches one page of notes matching filters.
func (c *Client) List(ctx context.Context, filters Filters) (Page, error) {
	query, err := filters.query()
	if err != nil {
		return Page{}, apierror.New(apierror.KindValidation, opList, err.Error(), errInvalidFilter)
	}
	response, err := c.sender.Send(ctx, gateway.Request{
		Operation: opList,
		Method:    http.MethodGet,
		Path:      notesPath,
		Query:     query,
	})
	if err != nil {
		return Page{}, c.logFailure(opList, err)
	}
	var page Page
	if err := response.Decode(&page); err != nil {
		return Page{}, c.malformed(opList, err)
	}
	if page.Notes == nil {
		page.Notes = []Note{}
	}
	return page, nil
}

// Get fetches a single note.
func (c *Client) Get(ctx context.Context, id int64) (Note, error) {
	if id <= 0 {
		return Note{}, apierror.New(apierror.KindValidation, opGet, "invalid note id", errInvalidNoteID)
	}
	response, err := c.sender.Send(ctx, gateway.Request{
		Operation: opGet,
		Method:    http.MethodGet,
		Path:      notePath(id),
	})
	if err != nil {
		return Note{}, c.logFailure(opGet, err, zap.Int64("note_id", id))
	}
	return c.decodeNote(opGet, response)
}

// Create validates draft locally and creates a note.
func (c *Client) Create(ctx context.Context, draft Draft) (Note, error) {
	normalized := draft.Normalize()
	if err := normalized.Validate(opCreate); err != nil {
		return Note{}, err
	}
	response, err := c.sender.Send(ctx, gateway.Request{
		Operation: opCreate,
		Method:    http.MethodPost,
		Path:      notesPath,
		Body:      normalized,
	})
	if err != nil {
		return Note{}, c.logFailure(opCreate, err)
	}
	return c.decodeNote(opCreate, response)
}

// Update replaces the note's editable fields. version is the last version the caller saw; a stale
// version yields a conflict and the caller must re-fetch before retrying.
func (c *Client) Update(ctx context.Context, id int64, draft Draft, version int64) (Note, error) {
	if id <= 0 {
		return Note{}, apierror.New(apierror.KindValidation, opUpdate, "invalid note id", errInvalidNoteID)
	}
	if version <= 0 {
		return Note{}, apierror.New(apierror.KindValidation, opUpdate, "invalid note version", errInvalidVersion)
	}
	normalized := draft.Normalize()
	if err := normalized.Validate(opUpdate); err != nil {
		return Note{}, err
	}
	header := http.Header{}
	header.Set("If-Match", IfMatch(version))
	response, err := c.sender.Send(ctx, gateway.Request{
		Operation: opUpdate,
		Method:    http.MethodPut,
		Path:      notePath(id),
		Header:    header,
		Body:      normalized,
	})
	if err != nil {
		return Note{}, c.logFailure(opUpdate, err, zap.Int64("note_id", id), zap.Int64("version", version))
	}
	return c.decodeNote(opUpdate, response)
}

// Delete soft-deletes a note.
func (c *Client) Delete(ctx context.Context, id int64) error {
	if id <= 0 {
		return apierror.New(apierror.KindValidation, opDelete, "invalid note id", errInvalidNoteID)
	}
	if _, err := c.sender.Send(ctx, gateway.Request{
		Operation: opDelete,
		Method:    http.MethodDelete,
		Path:      notePath(id),
	}); err != nil {
		return c.logFailure(opDelete, err, zap.Int64("note_id", id))
	}
	return nil
}

// Restore reverses a soft delete. Servers differ on restoring a note that was never deleted: a
// success is returned as is (possibly with an empty note when no body is sent) and a rejection
// surfaces as its typed error, usually a conflict.
func (c *Client) Restore(ctx context.Context, id int64) (Note, error) {
	if id <= 0 {
		return Note{}, apierror.New(apierror.KindValidation, opRestore, "invalid note id", errInvalidNoteID)
	}
	response, err := c.sender.Send(ctx, gateway.Request{
		Operation: opRestore,
		Method:    http.MethodPost,
		Path:      notePath(id) + "/restore",
	})
	if err != nil {
		return Note{}, c.logFailure(opRestore, err, zap.Int64("note_id", id))
	}
	if len(strings.TrimSpace(string(response.Body))) == 0 {
		return Note{ID: id}, nil
	}
	return c.decodeNote(opRestore, response)
}

// IfMatch formats a version as a strong entity tag.
func IfMatch(version int64) string {
	return strconv.Quote(strconv.FormatInt(version, 10))
}

func (c *Client) decodeNote(op string, response *gateway.Response) (Note, error) {
	var note Note
	if err := response.Decode(&note); err != nil {
		return Note{}, c.malformed(op, err)
	}
	if note.Tags == nil {
		note.Tags = []string{}
	}
	return note, nil
}

func (c *Client) malformed(op string, err error) error {
	c.logger.Warn("malformed notes response", zap.String("operation", op), zap.Error(err))
	return apierror.New(apierror.KindTransient, op, "malformed response", err)
}

// logFailure records unexpected failures; conflicts and validation are expected outcomes.
func (c *Client) logFailure(op string, err error, fields ...zap.Field) error {
	switch apierror.KindOf(err) {
	case apierror.KindConflict, apierror.KindValidation, apierror.KindNotFound:
		return err
	}
	attrs := append([]zap.Field{zap.String("operation", op), zap.Error(err)}, fields...)
	c.logger.Info("notes request failed", attrs...)
	return err
}

func (f Filters) query() (url.Values, error) {
	if f.Page < 0 {
		return nil, fmt.Errorf("page must not be negative")
	}
	if f.Size < 0 {
		return nil, fmt.Errorf("size must not be negative")
	}
	query := url.Values{}
	if search := strings.TrimSpace(f.Search); search != "" {
		query.Set("search", search)
	}
	if tag := strings.TrimSpace(f.Tag); tag != "" {
		query.Set("tag", tag)
	}
	query.Set("page", strconv.Itoa(f.Page))
	if f.Size > 0 {
		query.Set("size", strconv.Itoa(f.Size))
	}
	if f.SortBy != "" {
		if _, ok := ParseSortField(string(f.SortBy)); !ok {
			return nil, fmt.Errorf("unsupported sort field %q", f.SortBy)
		}
		query.Set("sortBy", string(f.SortBy))
	}
	return query, nil
}

func notePath(id int64) string {
	return notesPath + "/" + strconv.FormatInt(id, 10)
}
