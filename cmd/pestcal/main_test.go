package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// isolateHome points HOME at a temp directory and clears PESTCAL_*
// overrides so tests never touch the real ~/.pestcal/.
// MUST be called for any test that opens the run store.
func isolateHome(t *testing.T, tmpDir string) string {
	t.Helper()
	home := filepath.Join(tmpDir, "home")
	if err := os.MkdirAll(home, 0700); err != nil {
		t.Fatalf("Failed to create temp home: %v", err)
	}
	t.Setenv("HOME", home)
	t.Setenv("USERPROFILE", home)
	for _, key := range []string{"PESTCAL_LOG_LEVEL", "PESTCAL_WORKERS", "PESTCAL_MAX_ITERATIONS", "PESTCAL_TOLERANCE", "PESTCAL_STORE_PATH"} {
		t.Setenv(key, "")
	}
	return home
}

// execute runs the CLI with args and returns stdout and stderr.
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

// decodeJSON unmarshals out into v or fails the test.
func decodeJSON(t *testing.T, out string, v any) {
	t.Helper()
	if err := json.Unmarshal([]byte(out), v); err != nil {
		t.Fatalf("invalid JSON output %q: %v", out, err)
	}
}

func TestRootCmd_Subcommands(t *testing.T) {
	root := newRootCmd()
	want := []string{"version", "init", "run", "runs", "show", "delete", "export", "import", "verify", "prune", "config", "mcp-server"}
	for _, name := range want {
		t.Run(name, func(t *testing.T) {
			cmd, _, err := root.Find([]string{name})
			if err != nil || cmd.Name() != name {
				t.Errorf("subcommand %q not registered", name)
			}
		})
	}
	for _, flag := range []string{"json", "root"} {
		if root.PersistentFlags().Lookup(flag) == nil {
			t.Errorf("persistent flag --%s missing", flag)
		}
	}
}

func TestVersionCmd(t *testing.T) {
	out, _, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version error = %v", err)
	}
	if !strings.Contains(out, "pestcal version "+version) {
		t.Errorf("output = %q", out)
	}

	out, _, err = execute(t, "version", "--json")
	if err != nil {
		t.Fatalf("version --json error = %v", err)
	}
	var got map[string]string
	decodeJSON(t, out, &got)
	if got["version"] != version {
		t.Errorf("version = %q, want %q", got["version"], version)
	}
}

func TestInitCmd(t *testing.T) {
	tmpDir := t.TempDir()
	home := isolateHome(t, tmpDir)

	out, _, err := execute(t, "init", "--root", tmpDir, "--json")
	if err != nil {
		t.Fatalf("init error = %v", err)
	}
	var got map[string]any
	decodeJSON(t, out, &got)
	if got["problem_created"] != true {
		t.Errorf("problem_created = %v, want true", got["problem_created"])
	}
	if _, err := os.Stat(filepath.Join(tmpDir, ".pestcal")); err != nil {
		t.Errorf(".pestcal not created: %v", err)
	}
	if _, err := os.Stat(filepath.Join(home, ".pestcal", "config.yaml")); err == nil {
		t.Error("config.yaml written without --global")
	}

	// Second init keeps the existing problem and writes global settings.
	problem := filepath.Join(tmpDir, "problem.yaml")
	if err := os.WriteFile(problem, []byte("# mine\n"), 0644); err != nil {
		t.Fatal(err)
	}
	out, _, err = execute(t, "init", "--root", tmpDir, "--global")
	if err != nil {
		t.Fatalf("init --global error = %v", err)
	}
	if !strings.Contains(out, "Kept existing problem") {
		t.Errorf("output = %q", out)
	}
	data, _ := os.ReadFile(problem)
	if string(data) != "# mine\n" {
		t.Errorf("existing problem overwritten: %q", data)
	}
	if _, err := os.Stat(filepath.Join(home, ".pestcal", "config.yaml")); err != nil {
		t.Errorf("config.yaml not written: %v", err)
	}
}

func TestWriteIfMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.txt")

	created, err := writeIfMissing(path, []byte("one"), 0600)
	if err != nil || !created {
		t.Fatalf("first write = %v, %v; want true, nil", created, err)
	}
	created, err = writeIfMissing(path, []byte("two"), 0600)
	if err != nil || created {
		t.Fatalf("second write = %v, %v; want false, nil", created, err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "one" {
		t.Errorf("content = %q, want %q", data, "one")
	}
}
