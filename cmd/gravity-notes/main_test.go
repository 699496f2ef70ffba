package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/gravity/client/internal/devapi"
	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

type cliHarness struct {
	apiURL      string
	storagePath string
}

func newCLIHarness(t *testing.T) *cliHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	server, err := devapi.NewServer(devapi.ServerConfig{SigningSecret: "cli-secret", BcryptCost: bcrypt.MinCost})
	if err != nil {
		t.Fatalf("failed to start api: %v", err)
	}
	httpServer := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		httpServer.Close()
		_ = server.Close()
	})
	return &cliHarness{
		apiURL:      httpServer.URL,
		storagePath: filepath.Join(t.TempDir(), "state", "credentials.db"),
	}
}

func (h *cliHarness) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	rootCmd := newRootCommand()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--api-url", h.apiURL, "--storage-path", h.storagePath, "--log-level", "error"}, args...))
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func (h *cliHarness) mustRun(t *testing.T, args ...string) string {
	t.Helper()
	output, err := h.run(t, args...)
	if err != nil {
		t.Fatalf("%v failed: %v\n%s", args, err, output)
	}
	return output
}

func TestCLISessionPersistsAcrossCommands(t *testing.T) {
	harness := newCLIHarness(t)

	output := harness.mustRun(t, "signup", "--username", "ada", "--email", "ada@example.com", "--password", "secret1")
	if !strings.Contains(output, "Welcome, ada") {
		t.Fatalf("unexpected signup output %q", output)
	}

	output = harness.mustRun(t, "whoami")
	if !strings.Contains(output, "ada <ada@example.com>") {
		t.Fatalf("unexpected whoami output %q", output)
	}

	output = harness.mustRun(t, "notes", "create", "--title", "Groceries", "--content", "milk", "--tag", "home")
	if !strings.Contains(output, "#1 Groceries (version 1)") {
		t.Fatalf("unexpected create output %q", output)
	}

	output = harness.mustRun(t, "notes", "list", "--tag", "home")
	if !strings.Contains(output, "Groceries") || !strings.Contains(output, "page 1 of 1, 1 notes") {
		t.Fatalf("unexpected list output %q", output)
	}

	output = harness.mustRun(t, "status")
	if !strings.Contains(output, "status: authenticated") || !strings.Contains(output, "gravity_notes_client_token_refresh_total{outcome=success} 1") {
		t.Fatalf("unexpected status output %q", output)
	}

	harness.mustRun(t, "logout")
	if _, err := harness.run(t, "notes", "list"); err == nil || !strings.Contains(err.Error(), "not signed in") {
		t.Fatalf("expected list to require a session after logout, got %v", err)
	}
}

func TestCLIUpdateReportsConflict(t *testing.T) {
	harness := newCLIHarness(t)
	harness.mustRun(t, "signup", "--username", "ada", "--email", "ada@example.com", "--password", "secret1")
	harness.mustRun(t, "notes", "create", "--title", "Draft", "--content", "v1")
	harness.mustRun(t, "notes", "update", "1", "--title", "Draft", "--content", "v2", "--version", "1")

	_, err := harness.run(t, "notes", "update", "1", "--title", "Draft", "--content", "stale", "--version", "1")
	if err == nil || !strings.Contains(err.Error(), "changed elsewhere") {
		t.Fatalf("expected conflict guidance, got %v", err)
	}
}

func TestCLILoginRejectsBadCredentials(t *testing.T) {
	harness := newCLIHarness(t)
	harness.mustRun(t, "signup", "--username", "ada", "--email", "ada@example.com", "--password", "secret1")
	harness.mustRun(t, "logout")

	if _, err := harness.run(t, "login", "--email", "ada@example.com", "--password", "wrong1"); err == nil {
		t.Fatalf("expected login with a wrong password to fail")
	}
	output := harness.mustRun(t, "status")
	if !strings.Contains(output, "status: unauthenticated") {
		t.Fatalf("unexpected status output %q", output)
	}
}

func TestSplitArgs(t *testing.T) {
	testCases := map[string][]string{
		`ls`:                                  {"ls"},
		`  new "Weekly plan" "do things" a b`: {"new", "Weekly plan", "do things", "a", "b"},
		`search ""`:                           {"search", ""},
		`edit 1 2   "x y"`:                    {"edit", "1", "2", "x y"},
	}
	for input, want := range testCases {
		if got := splitArgs(input); !reflect.DeepEqual(got, want) {
			t.Fatalf("splitArgs(%q) = %#v, want %#v", input, got, want)
		}
	}
}
