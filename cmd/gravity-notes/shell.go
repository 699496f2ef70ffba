package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/gravity/client/internal/notes"
	"github.com/MarcoPoloResearchLab/gravity/client/internal/session"
	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
)

const shellHelp = `commands:
  login <email>                      sign in (password is prompted)
  logout                             sign out
  whoami                             show the signed-in user
  ls                                 list the current page
  search <text>                      filter by text (empty clears)
  tag <tag>                          filter by tag (empty clears)
  sort createdAt|updatedAt|title     change ordering
  page <n> | next | prev             move between pages
  show <id>                          print a note
  new "<title>" "<content>" [tags]   create a note
  edit <id> <version> "<title>" "<content>" [tags]
  rm <id> | restore <id>             trash or restore a note
  exit`

var errExitShell = errors.New("exit requested")

func newShellCommand() *cobra.Command {
	var historyFile string
	cmd := &cobra.Command{
		Use:   "shell",
		Short: "Interactive session sharing one sign-in across commands",
		Args:  cobra.NoArgs,
		RunE: runWithApp(func(ctx context.Context, a *app, args []string) error {
			rl, err := readline.NewEx(&readline.Config{
				Prompt:          "notes> ",
				HistoryFile:     historyFile,
				InterruptPrompt: "^C",
				EOFPrompt:       "exit",
			})
			if err != nil {
				return err
			}
			defer rl.Close()

			sh := &shell{app: a, rl: rl, board: notes.NewBoard(a.notes), out: rl.Stdout()}
			return sh.run(ctx)
		}, true),
	}
	cmd.Flags().StringVar(&historyFile, "history-file", "", "Readline history file")
	return cmd
}

type shell struct {
	app   *app
	rl    *readline.Instance
	board *notes.Board
	out   io.Writer
}

func (s *shell) run(ctx context.Context) error {
	transitions, unsubscribe := s.app.session.Subscribe(ctx)
	defer unsubscribe()
	go s.watchSession(ctx, transitions)

	if s.app.session.RestoreSession(ctx) == session.StatusAuthenticated {
		if user, ok := s.app.session.CurrentUser(); ok {
			fmt.Fprintf(s.out, "Signed in as %s\n", user.Username)
		}
	} else {
		fmt.Fprintln(s.out, "Not signed in. Use `login <email>`.")
	}

	for {
		line, err := s.rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			fmt.Fprintln(s.out, "Use 'exit' to leave the shell.")
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}

		args := splitArgs(line)
		if len(args) == 0 {
			continue
		}
		if err := s.execute(ctx, args); err != nil {
			if errors.Is(err, errExitShell) {
				return nil
			}
			fmt.Fprintln(s.out, "error:", err)
		}
	}
}

// watchSession reports when a refresh failure ends the session mid-shell.
func (s *shell) watchSession(ctx context.Context, transitions <-chan session.Transition) {
	for {
		select {
		case <-ctx.Done():
			return
		case transition := <-transitions:
			if transition.From == session.StatusAuthenticated && transition.To == session.StatusUnauthenticated {
				fmt.Fprintln(s.out, "Session ended. Use `login <email>` to sign in again.")
			}
		}
	}
}

func (s *shell) execute(ctx context.Context, args []string) error {
	command, rest := args[0], args[1:]
	switch command {
	case "help", "?":
		fmt.Fprintln(s.out, shellHelp)
		return nil
	case "exit", "quit":
		return errExitShell
	case "login":
		return s.login(ctx, rest)
	case "logout":
		s.app.session.Logout(ctx)
		fmt.Fprintln(s.out, "Signed out")
		return nil
	case "whoami":
		user, err := s.app.session.RefreshUserProfile(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "%s <%s>\n", user.Username, user.Email)
		return nil
	case "ls":
		return s.refresh(ctx)
	case "search":
		s.board.SetSearch(strings.Join(rest, " "))
		return s.refresh(ctx)
	case "tag":
		s.board.SetTag(strings.Join(rest, " "))
		return s.refresh(ctx)
	case "sort":
		if len(rest) != 1 {
			return errors.New("usage: sort createdAt|updatedAt|title")
		}
		field, ok := notes.ParseSortField(rest[0])
		if !ok {
			return fmt.Errorf("unknown sort field %q", rest[0])
		}
		s.board.SetSort(field)
		return s.refresh(ctx)
	case "page":
		if len(rest) != 1 {
			return errors.New("usage: page <n>")
		}
		page, err := strconv.Atoi(rest[0])
		if err != nil || page < 1 {
			return fmt.Errorf("invalid page %q", rest[0])
		}
		s.board.SetPage(page - 1)
		return s.refresh(ctx)
	case "next":
		if s.board.Pagination().Last {
			return errors.New("already on the last page")
		}
		s.board.SetPage(s.board.Filters().Page + 1)
		return s.refresh(ctx)
	case "prev":
		if s.board.Filters().Page == 0 {
			return errors.New("already on the first page")
		}
		s.board.SetPage(s.board.Filters().Page - 1)
		return s.refresh(ctx)
	case "show":
		id, err := singleID(rest)
		if err != nil {
			return err
		}
		note, err := s.app.notes.Get(ctx, id)
		if err != nil {
			return err
		}
		writeNote(s.out, note)
		return nil
	case "new":
		if len(rest) < 2 {
			return errors.New(`usage: new "<title>" "<content>" [tags]`)
		}
		note, err := s.board.Create(ctx, notes.Draft{Title: rest[0], Content: rest[1], Tags: rest[2:]})
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "Created note %d\n", note.ID)
		return nil
	case "edit":
		return s.edit(ctx, rest)
	case "rm":
		id, err := singleID(rest)
		if err != nil {
			return err
		}
		if err := s.board.Delete(ctx, id); err != nil {
			return err
		}
		fmt.Fprintf(s.out, "Deleted note %d\n", id)
		return nil
	case "restore":
		id, err := singleID(rest)
		if err != nil {
			return err
		}
		if _, err := s.board.Restore(ctx, id); err != nil {
			return err
		}
		fmt.Fprintf(s.out, "Restored note %d\n", id)
		return nil
	default:
		return fmt.Errorf("unknown command %q (try help)", command)
	}
}

func (s *shell) login(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: login <email>")
	}
	password, err := s.rl.ReadPassword("Password: ")
	if err != nil {
		return err
	}
	user, err := s.app.session.Login(ctx, args[0], string(password))
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "Signed in as %s\n", user.Username)
	return nil
}

func (s *shell) edit(ctx context.Context, args []string) error {
	if len(args) < 4 {
		return errors.New(`usage: edit <id> <version> "<title>" "<content>" [tags]`)
	}
	id, err := parseNoteID(args[0])
	if err != nil {
		return err
	}
	version, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid version %q", args[1])
	}
	note, err := s.board.Update(ctx, id, notes.Draft{Title: args[2], Content: args[3], Tags: args[4:]}, version)
	if err != nil {
		return describeConflict(err, id)
	}
	fmt.Fprintf(s.out, "Saved note %d (version %d)\n", note.ID, note.Version)
	return nil
}

func (s *shell) refresh(ctx context.Context) error {
	if err := s.board.Refresh(ctx); err != nil {
		return err
	}
	return writeNoteTable(s.out, s.board.Notes(), s.board.Pagination())
}

func singleID(args []string) (int64, error) {
	if len(args) != 1 {
		return 0, errors.New("expected a single note id")
	}
	return parseNoteID(args[0])
}

// splitArgs splits on spaces, keeping double-quoted runs together.
func splitArgs(line string) []string {
	var args []string
	var current strings.Builder
	inQuotes := false
	quoted := false

	flush := func() {
		if current.Len() > 0 || quoted {
			args = append(args, current.String())
		}
		current.Reset()
		quoted = false
	}
	for _, char := range strings.TrimSpace(line) {
		switch {
		case char == '"':
			inQuotes = !inQuotes
			quoted = true
		case char == ' ' && !inQuotes:
			flush()
		default:
			current.WriteRune(char)
		}
	}
	flush()
	return args
}
