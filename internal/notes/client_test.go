package notes

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/client/internal/apierror"
	"github.com/MarcoPoloResearchLab/gravity/client/internal/gateway"
	"github.com/MarcoPoloResearchLab/gravity/client/internal/obfuscation"
	"github.com/MarcoPoloResearchLab/gravity/client/internal/tokenstore"
	"go.uber.org/zap"
)

const testAccessToken = "access-token"

// notesAPI is an in-memory notes collection with version preconditions.
type notesAPI struct {
	mu            sync.Mutex
	nextID        int64
	notes         map[int64]*Note
	lastQuery     string
	lastIfMatch   string
	listCalls     int
	restoreStatus int
}

func newNotesAPI() *notesAPI {
	return &notesAPI{nextID: 1, notes: map[int64]*Note{}}
}

func (a *notesAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+testAccessToken {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Unauthorized"})
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if r.URL.Path == notesPath {
		switch r.Method {
		case http.MethodGet:
			a.listCalls++
			a.lastQuery = r.URL.RawQuery
			a.list(w, r)
		case http.MethodPost:
			var draft Draft
			_ = json.NewDecoder(r.Body).Decode(&draft)
			now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
			note := &Note{ID: a.nextID, Title: draft.Title, Content: draft.Content, Tags: draft.Tags, Version: 1, CreatedAt: now, UpdatedAt: now}
			a.notes[note.ID] = note
			a.nextID++
			writeJSON(w, http.StatusCreated, note)
		}
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, notesPath+"/")
	restore := strings.HasSuffix(rest, "/restore")
	id, err := strconv.ParseInt(strings.TrimSuffix(rest, "/restore"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "bad id"})
		return
	}
	note, ok := a.notes[id]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Note not found"})
		return
	}
	switch {
	case restore:
		if note.DeletedAt == nil {
			if a.restoreStatus == http.StatusConflict {
				writeJSON(w, http.StatusConflict, map[string]string{"message": "Note is not deleted"})
				return
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		note.DeletedAt = nil
		note.Version++
		writeJSON(w, http.StatusOK, note)
	case r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, note)
	case r.Method == http.MethodPut:
		a.lastIfMatch = r.Header.Get("If-Match")
		if a.lastIfMatch != "" && a.lastIfMatch != IfMatch(note.Version) {
			writeJSON(w, http.StatusConflict, map[string]string{"message": "Version mismatch"})
			return
		}
		var draft Draft
		_ = json.NewDecoder(r.Body).Decode(&draft)
		note.Title, note.Content, note.Tags = draft.Title, draft.Content, draft.Tags
		note.Version++
		writeJSON(w, http.StatusOK, note)
	case r.Method == http.MethodDelete:
		deletedAt := time.Date(2026, 10, 2, 12, 0, 0, 0, time.UTC)
		note.DeletedAt = &deletedAt
		w.WriteHeader(http.StatusNoContent)
	}
}

func (a *notesAPI) list(w http.ResponseWriter, r *http.Request) {
	tag := r.URL.Query().Get("tag")
	page := Page{Notes: []Note{}}
	for id := int64(1); id < a.nextID; id++ {
		note, ok := a.notes[id]
		if !ok || note.DeletedAt != nil {
			continue
		}
		if tag != "" && !containsTag(note.Tags, tag) {
			continue
		}
		page.Notes = append(page.Notes, *note)
	}
	page.Page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	page.Size, _ = strconv.Atoi(r.URL.Query().Get("size"))
	page.TotalElements = int64(len(page.Notes))
	page.TotalPages = 1
	page.Last = true
	writeJSON(w, http.StatusOK, page)
}

func (a *notesAPI) observed() (query, ifMatch string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastQuery, a.lastIfMatch
}

func containsTag(tags []string, tag string) bool {
	for _, candidate := range tags {
		if candidate == tag {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func newTestClient(t *testing.T, api http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(api)
	t.Cleanup(server.Close)

	store := tokenstore.NewMemoryStore(obfuscation.NewCodec("k"), zap.NewNop())
	store.Save(tokenstore.Session{UserID: 1, Username: "ada", AccessToken: testAccessToken}, "refresh")
	transport, err := gateway.New(gateway.Config{BaseURL: server.URL, Credentials: store})
	if err != nil {
		t.Fatalf("failed to create gateway: %v", err)
	}
	client, err := NewClient(ClientConfig{Sender: transport})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	return client
}

func mustCreate(t *testing.T, client *Client, draft Draft) Note {
	t.Helper()
	note, err := client.Create(context.Background(), draft)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	return note
}

func TestCreateNormalizesDraft(t *testing.T) {
	client := newTestClient(t, newNotesAPI())

	note := mustCreate(t, client, Draft{Title: "  Groceries ", Content: " milk ", Tags: []string{"home", " ", "home", " errands"}})
	if note.Title != "Groceries" || note.Content != "milk" {
		t.Fatalf("expected trimmed fields, got %+v", note)
	}
	if strings.Join(note.Tags, ",") != "home,errands" {
		t.Fatalf("expected deduplicated tags, got %v", note.Tags)
	}
	if note.Version != 1 {
		t.Fatalf("expected version 1, got %d", note.Version)
	}
}

func TestCreateRejectsInvalidDraftLocally(t *testing.T) {
	api := newNotesAPI()
	client := newTestClient(t, api)

	testCases := []struct {
		name   string
		draft  Draft
		fields []string
	}{
		{name: "empty", draft: Draft{}, fields: []string{"title", "content"}},
		{name: "short title", draft: Draft{Title: " ab ", Content: "body"}, fields: []string{"title"}},
		{name: "blank content", draft: Draft{Title: "Title", Content: "   "}, fields: []string{"content"}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := client.Create(context.Background(), testCase.draft)
			var apiErr *apierror.Error
			if !errors.As(err, &apiErr) || apiErr.Kind != apierror.KindValidation {
				t.Fatalf("expected validation error, got %v", err)
			}
			for _, field := range testCase.fields {
				if apiErr.Fields[field] == "" {
					t.Fatalf("expected message for %s, got %v", field, apiErr.Fields)
				}
			}
		})
	}
	if len(api.notes) != 0 {
		t.Fatalf("invalid drafts must not reach the server")
	}
}

func TestListSendsFilters(t *testing.T) {
	api := newNotesAPI()
	client := newTestClient(t, api)
	mustCreate(t, client, Draft{Title: "Alpha", Content: "a", Tags: []string{"work"}})
	mustCreate(t, client, Draft{Title: "Beta", Content: "b", Tags: []string{"home"}})

	filters := DefaultFilters()
	filters.Tag = "work"
	filters.Search = " alp "
	page, err := client.List(context.Background(), filters)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(page.Notes) != 1 || page.Notes[0].Title != "Alpha" {
		t.Fatalf("unexpected notes %+v", page.Notes)
	}
	if page.Size != DefaultPageSize || !page.Last {
		t.Fatalf("expected pagination copied from response, got %+v", page.Pagination)
	}
	expected := "page=0&search=alp&size=10&sortBy=updatedAt&tag=work"
	if query, _ := api.observed(); query != expected {
		t.Fatalf("expected query %q, got %q", expected, query)
	}
}

func TestListRejectsUnknownSort(t *testing.T) {
	api := newNotesAPI()
	client := newTestClient(t, api)

	filters := DefaultFilters()
	filters.SortBy = "priority"
	if _, err := client.List(context.Background(), filters); !apierror.IsKind(err, apierror.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if api.listCalls != 0 {
		t.Fatalf("expected no list call")
	}
}

func TestUpdateSendsVersionPrecondition(t *testing.T) {
	api := newNotesAPI()
	client := newTestClient(t, api)
	note := mustCreate(t, client, Draft{Title: "Draft", Content: "v1"})

	updated, err := client.Update(context.Background(), note.ID, Draft{Title: "Draft", Content: "v2"}, note.Version)
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if _, ifMatch := api.observed(); ifMatch != `"1"` {
		t.Fatalf("expected If-Match \"1\", got %q", ifMatch)
	}
	if updated.Version != 2 || updated.Content != "v2" {
		t.Fatalf("unexpected updated note %+v", updated)
	}
}

func TestUpdateWithStaleVersionIsConflict(t *testing.T) {
	api := newNotesAPI()
	client := newTestClient(t, api)
	note := mustCreate(t, client, Draft{Title: "Draft", Content: "v1"})
	if _, err := client.Update(context.Background(), note.ID, Draft{Title: "Draft", Content: "v2"}, note.Version); err != nil {
		t.Fatalf("first update failed: %v", err)
	}

	_, err := client.Update(context.Background(), note.ID, Draft{Title: "Draft", Content: "stale"}, note.Version)
	if !apierror.IsKind(err, apierror.KindConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	current, err := client.Get(context.Background(), note.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if current.Content != "v2" {
		t.Fatalf("stale update must not overwrite, got %q", current.Content)
	}
}

func TestUpdateRejectsNonPositiveVersion(t *testing.T) {
	api := newNotesAPI()
	client := newTestClient(t, api)
	note := mustCreate(t, client, Draft{Title: "Draft", Content: "v1"})

	for _, version := range []int64{0, -1} {
		_, err := client.Update(context.Background(), note.ID, Draft{Title: "Draft", Content: "blind"}, version)
		if !apierror.IsKind(err, apierror.KindValidation) {
			t.Fatalf("version %d: expected validation error, got %v", version, err)
		}
		if !errors.Is(err, errInvalidVersion) {
			t.Fatalf("version %d: expected invalid version cause, got %v", version, err)
		}
	}
	current, err := client.Get(context.Background(), note.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if current.Content != "v1" || current.Version != 1 {
		t.Fatalf("rejected updates must not reach the server, got %+v", current)
	}
}

func TestDeleteAndRestore(t *testing.T) {
	client := newTestClient(t, newNotesAPI())
	note := mustCreate(t, client, Draft{Title: "Trash me", Content: "x"})

	if err := client.Delete(context.Background(), note.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	deleted, err := client.Get(context.Background(), note.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !deleted.Deleted() {
		t.Fatalf("expected deletedAt after delete")
	}

	restored, err := client.Restore(context.Background(), note.ID)
	if err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if restored.Deleted() || restored.Version != 2 {
		t.Fatalf("unexpected restored note %+v", restored)
	}
}

func TestRestoreOfLiveNoteHandlesBothServerContracts(t *testing.T) {
	t.Run("no-op success", func(t *testing.T) {
		client := newTestClient(t, newNotesAPI())
		note := mustCreate(t, client, Draft{Title: "Alive", Content: "x"})

		restored, err := client.Restore(context.Background(), note.ID)
		if err != nil {
			t.Fatalf("expected no-op success, got %v", err)
		}
		if restored.ID != note.ID {
			t.Fatalf("expected note id %d, got %d", note.ID, restored.ID)
		}
	})
	t.Run("conflict", func(t *testing.T) {
		api := newNotesAPI()
		api.restoreStatus = http.StatusConflict
		client := newTestClient(t, api)
		note := mustCreate(t, client, Draft{Title: "Alive", Content: "x"})

		_, err := client.Restore(context.Background(), note.ID)
		if !apierror.IsKind(err, apierror.KindConflict) {
			t.Fatalf("expected conflict, got %v", err)
		}
	})
}

func TestGetMissingNoteIsNotFound(t *testing.T) {
	client := newTestClient(t, newNotesAPI())

	if _, err := client.Get(context.Background(), 99); !apierror.IsKind(err, apierror.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := client.Get(context.Background(), 0); !apierror.IsKind(err, apierror.KindValidation) {
		t.Fatalf("expected validation error for invalid id, got %v", err)
	}
}

func TestNewClientRequiresSender(t *testing.T) {
	if _, err := NewClient(ClientConfig{}); err == nil {
		t.Fatalf("expected missing sender error")
	}
}
