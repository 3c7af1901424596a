package provisioner

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func writeTool(t *testing.T, root string, parts ...string) string {
	t.Helper()
	path := filepath.Join(append([]string{root}, parts...)...)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("write tool: %v", err)
	}
	return path
}

func envTestConfig(root string) Config {
	return Config{
		InstallRoot: root,
		Retry:       RetryPolicy{Attempts: 1},
		Artifacts: []ArtifactSpec{
			{Name: "clang", URL: "https://mirror.example/clang.tar.zst", Dest: "a"},
			{Name: "cctools", URL: "https://mirror.example/cctools.tar.xz", Dest: "b"},
		},
		Targets: []TargetSpec{
			{
				Triple: "x86_64-apple-darwin",
				CC:     ToolRef{Artifact: "clang", Path: "bin/clang"},
				AR:     ToolRef{Artifact: "cctools", Path: "bin/x86_64-apple-darwin-ar"},
				CFlags: []string{"-target", "x86_64-apple-darwin", "-B", "${cctools}/bin"},
			},
		},
		Global: GlobalSpec{
			TargetCFlags:       []string{"-fPIC", "-O2"},
			WindowsLinkerFlags: []string{"-Wl,--no-insert-timestamp"},
		},
	}
}

func TestBuildEnvironment(t *testing.T) {
	root := t.TempDir()
	clangPath := writeTool(t, root, "a", "bin", "clang")
	arPath := writeTool(t, root, "b", "bin", "x86_64-apple-darwin-ar")

	env, err := BuildEnvironment(envTestConfig(root))
	if err != nil {
		t.Fatalf("BuildEnvironment() error = %v", err)
	}

	if got, ok := env.Lookup("CC_x86_64_apple_darwin"); !ok || got != clangPath {
		t.Fatalf("CC_x86_64_apple_darwin = %q, want %q", got, clangPath)
	}
	if got, ok := env.Lookup("AR_x86_64_apple_darwin"); !ok || got != arPath {
		t.Fatalf("AR_x86_64_apple_darwin = %q, want %q", got, arPath)
	}

	wantCFlags := "-target x86_64-apple-darwin -B " + filepath.Join(root, "b") + "/bin"
	if got, _ := env.Lookup("CFLAGS_x86_64_apple_darwin"); got != wantCFlags {
		t.Fatalf("CFLAGS_x86_64_apple_darwin = %q, want %q", got, wantCFlags)
	}
	if got, _ := env.Lookup("TARGET_CFLAGS"); got != "-fPIC -O2" {
		t.Fatalf("TARGET_CFLAGS = %q", got)
	}
	if got, _ := env.Lookup("WINDOWS_LDFLAGS_OVERRIDE"); got != "-Wl,--no-insert-timestamp" {
		t.Fatalf("WINDOWS_LDFLAGS_OVERRIDE = %q", got)
	}

	// every exported path must exist
	for _, v := range env.Vars() {
		if !strings.HasPrefix(v.Value, root) {
			continue
		}
		if _, err := os.Stat(v.Value); err != nil {
			t.Fatalf("%s references missing path %s", v.Name, v.Value)
		}
	}
}

func TestBuildEnvironmentMissingArtifact(t *testing.T) {
	root := t.TempDir()
	writeTool(t, root, "a", "bin", "clang")
	// cctools ar is absent

	_, err := BuildEnvironment(envTestConfig(root))
	if !errors.Is(err, ErrMissingArtifact) {
		t.Fatalf("BuildEnvironment() error = %v, want ErrMissingArtifact", err)
	}
	if !strings.Contains(err.Error(), "x86_64-apple-darwin") {
		t.Fatalf("error should name the target: %v", err)
	}
}

func TestBuildEnvironmentDeterministic(t *testing.T) {
	root := t.TempDir()
	writeTool(t, root, "a", "bin", "clang")
	writeTool(t, root, "b", "bin", "x86_64-apple-darwin-ar")

	first, err := BuildEnvironment(envTestConfig(root))
	if err != nil {
		t.Fatalf("first build: %v", err)
	}
	second, err := BuildEnvironment(envTestConfig(root))
	if err != nil {
		t.Fatalf("second build: %v", err)
	}
	if !reflect.DeepEqual(first.Vars(), second.Vars()) {
		t.Fatalf("environment not deterministic:\n%v\n%v", first.Vars(), second.Vars())
	}
}

func TestEnvironmentWriteFile(t *testing.T) {
	root := t.TempDir()
	writeTool(t, root, "a", "bin", "clang")
	writeTool(t, root, "b", "bin", "x86_64-apple-darwin-ar")

	env, err := BuildEnvironment(envTestConfig(root))
	if err != nil {
		t.Fatalf("BuildEnvironment() error = %v", err)
	}

	path := filepath.Join(t.TempDir(), "env.sh")
	if err := env.WriteFile(path); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read env file: %v", err)
	}
	if !strings.Contains(string(data), "export CC_x86_64_apple_darwin='") {
		t.Fatalf("env file missing export line:\n%s", data)
	}
	if !strings.Contains(string(data), "export TARGET_CFLAGS='-fPIC -O2'") {
		t.Fatalf("env file missing global flags:\n%s", data)
	}
}

func TestEnvironmentApply(t *testing.T) {
	root := t.TempDir()
	writeTool(t, root, "a", "bin", "clang")
	writeTool(t, root, "b", "bin", "x86_64-apple-darwin-ar")

	env, err := BuildEnvironment(envTestConfig(root))
	if err != nil {
		t.Fatalf("BuildEnvironment() error = %v", err)
	}

	cmd := exec.Command("true")
	env.Apply(cmd)

	var found bool
	prefix := "CC_x86_64_apple_darwin="
	for _, kv := range cmd.Env {
		if strings.HasPrefix(kv, prefix) {
			found = true
		}
	}
	if !found {
		t.Fatal("Apply() did not inject CC variable")
	}
}

func TestSanitizeTriple(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"x86_64-apple-darwin", "x86_64_apple_darwin"},
		{"x86_64-pc-windows-gnu", "x86_64_pc_windows_gnu"},
		{"armv7-linux-androideabi", "armv7_linux_androideabi"},
	}
	for _, tt := range tests {
		if got := sanitizeTriple(tt.input); got != tt.want {
			t.Fatalf("sanitizeTriple(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
