package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// testEnv points the CLI at a temporary database and resets global flag
// state. Returns a cleanup function.
func testEnv(t *testing.T) func() {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")

	origDBPath := os.Getenv("NOTESYNC_DB_PATH")
	origOwner := os.Getenv("NOTESYNC_OWNER")
	origServerURL := os.Getenv("NOTESYNC_SERVER_URL")
	origAPIKey := os.Getenv("NOTESYNC_API_KEY")

	os.Setenv("NOTESYNC_DB_PATH", dbPath)
	os.Setenv("NOTESYNC_OWNER", "test-owner")
	os.Setenv("NOTESYNC_SERVER_URL", "")
	os.Setenv("NOTESYNC_API_KEY", "")

	reset := func() {
		cfgDBPath = ""
		cfgOwner = ""
		cfgServerURL = ""
		cfgAPIKey = ""
		cfgDebug = false
		outputJSON = false
		addTitle = ""
		addBody = ""
		addTags = nil
	}
	reset()

	return func() {
		os.Setenv("NOTESYNC_DB_PATH", origDBPath)
		os.Setenv("NOTESYNC_OWNER", origOwner)
		os.Setenv("NOTESYNC_SERVER_URL", origServerURL)
		os.Setenv("NOTESYNC_API_KEY", origAPIKey)
		reset()
	}
}

func TestCLI_Help_ListsAllCommands(t *testing.T) {
	defer testEnv(t)()

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetArgs([]string{"--help"})

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	output := stdout.String()
	expectedCommands := []string{"add", "edit", "rm", "restore", "list", "get", "sync", "conflicts", "resolve", "status", "store", "serve", "version"}

	for _, cmd := range expectedCommands {
		if !strings.Contains(output, cmd) {
			t.Errorf("--help output should contain %q command", cmd)
		}
	}
}

func TestCLI_AddThenList(t *testing.T) {
	defer testEnv(t)()

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetArgs([]string{"add", "--body", "milk, eggs", "--title", "groceries"})

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("add failed: %v", err)
	}

	stdout.Reset()
	rootCmd.SetOut(&stdout)
	rootCmd.SetArgs([]string{"list"})

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if !strings.Contains(stdout.String(), "groceries") {
		t.Errorf("list output should contain the added note, got: %s", stdout.String())
	}
}

func TestCLI_Sync_RequiresServer(t *testing.T) {
	defer testEnv(t)()

	var stderr bytes.Buffer
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs([]string{"sync"})

	if err := rootCmd.Execute(); err == nil {
		t.Fatal("sync without a server URL should error")
	}
}

func TestVersion_Human_ShowsVersionInfo(t *testing.T) {
	defer testEnv(t)()

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetArgs([]string{"version"})

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("version command should not error: %v", err)
	}

	output := stdout.String()
	for _, want := range []string{"notesync dev", "commit:", "built:", "go:", "os:"} {
		if !strings.Contains(output, want) {
			t.Errorf("output should contain %q, got: %s", want, output)
		}
	}
}

func TestVersion_JSON_ReturnsValidJSON(t *testing.T) {
	defer testEnv(t)()

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetArgs([]string{"version", "--json"})

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("version --json should not error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		t.Fatalf("output should be valid JSON: %v", err)
	}

	requiredFields := []string{"version", "commit", "date", "go", "os", "arch"}
	for _, field := range requiredFields {
		if _, ok := result[field]; !ok {
			t.Errorf("JSON should have '%s' field", field)
		}
	}
	if result["version"] != "dev" {
		t.Errorf("dev build JSON should have version='dev', got: %v", result["version"])
	}
}
