package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/client/internal/notes"
	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
)

var errNotSignedIn = errors.New("not signed in; run `gravity-notes login` first")

func newLoginCommand() *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with email and password",
		Args:  cobra.NoArgs,
		RunE: runWithApp(func(ctx context.Context, a *app, args []string) error {
			secret, err := passwordOrPrompt(password)
			if err != nil {
				return err
			}
			user, err := a.session.Login(ctx, email, secret)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Signed in as %s <%s>\n", user.Username, user.Email)
			return nil
		}, true),
	}
	cmd.Flags().StringVar(&email, "email", "", "Account email")
	cmd.Flags().StringVar(&password, "password", "", "Account password (prompted when omitted)")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newSignupCommand() *cobra.Command {
	var username, email, password string
	cmd := &cobra.Command{
		Use:   "signup",
		Short: "Create an account and sign in",
		Args:  cobra.NoArgs,
		RunE: runWithApp(func(ctx context.Context, a *app, args []string) error {
			secret, err := passwordOrPrompt(password)
			if err != nil {
				return err
			}
			user, err := a.session.Signup(ctx, username, email, secret)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Welcome, %s\n", user.Username)
			return nil
		}, true),
	}
	cmd.Flags().StringVar(&username, "username", "", "Display name")
	cmd.Flags().StringVar(&email, "email", "", "Account email")
	cmd.Flags().StringVar(&password, "password", "", "Account password (prompted when omitted)")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and forget stored credentials",
		Args:  cobra.NoArgs,
		RunE: runWithApp(func(ctx context.Context, a *app, args []string) error {
			a.session.Logout(ctx)
			fmt.Fprintln(a.out, "Signed out")
			return nil
		}, true),
	}
}

func newWhoamiCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user",
		Args:  cobra.NoArgs,
		RunE: runWithApp(func(ctx context.Context, a *app, args []string) error {
			user, err := a.session.RefreshUserProfile(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%s <%s> (id %d)\n", user.Username, user.Email, user.ID)
			return nil
		}, false),
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show session status and request counters",
		Args:  cobra.NoArgs,
		RunE: runWithApp(func(ctx context.Context, a *app, args []string) error {
			status := a.session.RestoreSession(ctx)
			fmt.Fprintf(a.out, "status: %s\n", status)
			if user, ok := a.session.CurrentUser(); ok {
				fmt.Fprintf(a.out, "user: %s <%s>\n", user.Username, user.Email)
			}
			if expiry, ok := a.session.AccessTokenExpiry(); ok {
				fmt.Fprintf(a.out, "access token expires: %s\n", expiry.Local().Format(time.RFC3339))
			}
			return writeMetrics(a.out, a.registry)
		}, true),
	}
}

func newNotesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notes",
		Short: "Manage notes",
	}
	cmd.AddCommand(
		newNotesListCommand(),
		newNotesGetCommand(),
		newNotesCreateCommand(),
		newNotesUpdateCommand(),
		newNotesDeleteCommand(),
		newNotesRestoreCommand(),
	)
	return cmd
}

func newNotesListCommand() *cobra.Command {
	var search, tag, sortBy string
	var page, size int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List notes",
		Args:  cobra.NoArgs,
		RunE: runWithApp(func(ctx context.Context, a *app, args []string) error {
			sortField, ok := notes.ParseSortField(sortBy)
			if !ok {
				return fmt.Errorf("unknown sort field %q", sortBy)
			}
			result, err := a.notes.List(ctx, notes.Filters{Search: search, Tag: tag, Page: page, Size: size, SortBy: sortField})
			if err != nil {
				return err
			}
			return writeNoteTable(a.out, result.Notes, result.Pagination)
		}, false),
	}
	cmd.Flags().StringVar(&search, "search", "", "Search text")
	cmd.Flags().StringVar(&tag, "tag", "", "Only notes carrying this tag")
	cmd.Flags().StringVar(&sortBy, "sort", string(notes.SortByUpdatedAt), "Sort by createdAt, updatedAt or title")
	cmd.Flags().IntVar(&page, "page", 0, "Zero-based page")
	cmd.Flags().IntVar(&size, "size", notes.DefaultPageSize, "Page size")
	return cmd
}

func newNotesGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a note",
		Args:  cobra.ExactArgs(1),
		RunE: runWithApp(func(ctx context.Context, a *app, args []string) error {
			id, err := parseNoteID(args[0])
			if err != nil {
				return err
			}
			note, err := a.notes.Get(ctx, id)
			if err != nil {
				return err
			}
			writeNote(a.out, note)
			return nil
		}, false),
	}
}

func newNotesCreateCommand() *cobra.Command {
	var title, content string
	var tags []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a note",
		Args:  cobra.NoArgs,
		RunE: runWithApp(func(ctx context.Context, a *app, args []string) error {
			note, err := a.notes.Create(ctx, notes.Draft{Title: title, Content: content, Tags: tags})
			if err != nil {
				return err
			}
			writeNote(a.out, note)
			return nil
		}, false),
	}
	cmd.Flags().StringVar(&title, "title", "", "Note title")
	cmd.Flags().StringVar(&content, "content", "", "Note body")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "Tag (repeatable)")
	return cmd
}

func newNotesUpdateCommand() *cobra.Command {
	var title, content string
	var tags []string
	var version int64
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Replace a note's title, body and tags",
		Args:  cobra.ExactArgs(1),
		RunE: runWithApp(func(ctx context.Context, a *app, args []string) error {
			id, err := parseNoteID(args[0])
			if err != nil {
				return err
			}
			note, err := a.notes.Update(ctx, id, notes.Draft{Title: title, Content: content, Tags: tags}, version)
			if err != nil {
				return describeConflict(err, id)
			}
			writeNote(a.out, note)
			return nil
		}, false),
	}
	cmd.Flags().StringVar(&title, "title", "", "Note title")
	cmd.Flags().StringVar(&content, "content", "", "Note body")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "Tag (repeatable)")
	cmd.Flags().Int64Var(&version, "version", 0, "Version the edit is based on")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

func newNotesDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Move a note to the trash",
		Args:  cobra.ExactArgs(1),
		RunE: runWithApp(func(ctx context.Context, a *app, args []string) error {
			id, err := parseNoteID(args[0])
			if err != nil {
				return err
			}
			if err := a.notes.Delete(ctx, id); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Deleted note %d\n", id)
			return nil
		}, false),
	}
}

func newNotesRestoreCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <id>",
		Short: "Bring a deleted note back",
		Args:  cobra.ExactArgs(1),
		RunE: runWithApp(func(ctx context.Context, a *app, args []string) error {
			id, err := parseNoteID(args[0])
			if err != nil {
				return err
			}
			note, err := a.notes.Restore(ctx, id)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Restored note %d\n", note.ID)
			return nil
		}, false),
	}
}

func parseNoteID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid note id %q", raw)
	}
	return id, nil
}

func passwordOrPrompt(password string) (string, error) {
	if password != "" {
		return password, nil
	}
	rl, err := readline.NewEx(&readline.Config{InterruptPrompt: "^C"})
	if err != nil {
		return "", err
	}
	defer rl.Close()
	secret, err := rl.ReadPassword("Password: ")
	if err != nil {
		return "", err
	}
	return string(secret), nil
}
