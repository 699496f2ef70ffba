package devapi

import (
	"context"
	"errors"
	"testing"
	"time"
)

func mustNoteService(t *testing.T) *NoteService {
	t.Helper()
	current := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	service, err := NewNoteService(NoteServiceConfig{
		Database: mustOpenDatabase(t),
		Clock: func() time.Time {
			current = current.Add(time.Second)
			return current
		},
	})
	if err != nil {
		t.Fatalf("failed to build notes service: %v", err)
	}
	return service
}

func mustCreateNote(t *testing.T, service *NoteService, accountID int64, title string, tags ...string) NoteRecord {
	t.Helper()
	record, err := service.Create(context.Background(), accountID, NoteInput{Title: title, Content: "content of " + title, Tags: tags})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	return record
}

func TestNoteServiceListFiltersAndPaginates(t *testing.T) {
	service := mustNoteService(t)
	ctx := context.Background()
	mustCreateNote(t, service, 1, "Groceries", "home")
	mustCreateNote(t, service, 1, "Standup notes", "work")
	mustCreateNote(t, service, 1, "Quarterly plan", "work", "planning")
	mustCreateNote(t, service, 2, "Someone else", "work")

	page, err := service.List(ctx, 1, NoteQuery{Tag: "work", SortBy: "title"})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if page.TotalElements != 2 || len(page.Notes) != 2 {
		t.Fatalf("expected two work notes for the account, got %+v", page)
	}
	if page.Notes[0].Title != "Quarterly plan" {
		t.Fatalf("expected title ordering, got %q first", page.Notes[0].Title)
	}

	page, err = service.List(ctx, 1, NoteQuery{Search: "GROCER"})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(page.Notes) != 1 || page.Notes[0].Title != "Groceries" {
		t.Fatalf("expected case-insensitive search, got %+v", page.Notes)
	}

	page, err = service.List(ctx, 1, NoteQuery{Page: 1, Size: 2, SortBy: "createdAt"})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(page.Notes) != 1 || page.TotalPages != 2 || !page.Last {
		t.Fatalf("unexpected second page %+v", page)
	}
}

func TestNoteServiceUpdateChecksVersion(t *testing.T) {
	service := mustNoteService(t)
	ctx := context.Background()
	record := mustCreateNote(t, service, 1, "Draft")

	updated, err := service.Update(ctx, 1, record.ID, NoteInput{Title: "Draft", Content: "v2"}, record.Version, true)
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.Version != 2 {
		t.Fatalf("expected version 2, got %d", updated.Version)
	}

	_, err = service.Update(ctx, 1, record.ID, NoteInput{Title: "Draft", Content: "stale"}, record.Version, true)
	if !errors.Is(err, errVersionMismatch) {
		t.Fatalf("expected version mismatch, got %v", err)
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "notes.update.version_mismatch" {
		t.Fatalf("unexpected error code %v", err)
	}

	if _, err := service.Update(ctx, 2, record.ID, NoteInput{Title: "Draft", Content: "x"}, 0, false); !errors.Is(err, errNoteNotFound) {
		t.Fatalf("expected other accounts to see not found, got %v", err)
	}
}

func TestNoteServiceSoftDeleteAndRestore(t *testing.T) {
	service := mustNoteService(t)
	ctx := context.Background()
	record := mustCreateNote(t, service, 1, "Temporary")

	if _, err := service.Restore(ctx, 1, record.ID); !errors.Is(err, errNoteNotDeleted) {
		t.Fatalf("expected restore of live note to be rejected, got %v", err)
	}
	if err := service.Delete(ctx, 1, record.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	page, err := service.List(ctx, 1, NoteQuery{})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if page.TotalElements != 0 {
		t.Fatalf("expected deleted note to be hidden from lists")
	}
	deleted, err := service.Get(ctx, 1, record.ID)
	if err != nil || deleted.DeletedAt == nil {
		t.Fatalf("expected deleted note to stay readable with deletedAt, got %+v (%v)", deleted, err)
	}

	restored, err := service.Restore(ctx, 1, record.ID)
	if err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if restored.DeletedAt != nil || restored.Version != 3 {
		t.Fatalf("unexpected restored note %+v", restored)
	}
}

func TestParseIfMatch(t *testing.T) {
	testCases := []struct {
		header  string
		version int64
		present bool
		wantErr bool
	}{
		{header: "", present: false},
		{header: `"4"`, version: 4, present: true},
		{header: `W/"5"`, version: 5, present: true},
		{header: "6", version: 6, present: true},
		{header: `"abc"`, wantErr: true},
		{header: `"0"`, wantErr: true},
	}
	for _, testCase := range testCases {
		version, present, err := parseIfMatch(testCase.header)
		if (err != nil) != testCase.wantErr {
			t.Fatalf("header %q: unexpected error %v", testCase.header, err)
		}
		if version != testCase.version || present != testCase.present {
			t.Fatalf("header %q: got (%d, %v)", testCase.header, version, present)
		}
	}
}
