package provisioner

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("DefaultConfig().Validate() = %v", err)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "forge.yaml")
	content := `
install_root: /tmp/forge-test
parallel: true
retry:
  attempts: 2
  delay: 5ms
timeout: 1m
artifacts:
  - name: clang
    url: https://mirror.example/clang.tar.zst
    dest: clang
targets:
  - triple: x86_64-apple-darwin
    cc:
      artifact: clang
      path: bin/clang
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.InstallRoot != "/tmp/forge-test" {
		t.Fatalf("InstallRoot = %q", cfg.InstallRoot)
	}
	if !cfg.Parallel {
		t.Fatal("Parallel should be true")
	}
	if cfg.Retry.Attempts != 2 || cfg.Retry.Delay.Std() != 5*time.Millisecond {
		t.Fatalf("Retry = %+v", cfg.Retry)
	}
	if cfg.Timeout.Std() != time.Minute {
		t.Fatalf("Timeout = %v", cfg.Timeout.Std())
	}
	if len(cfg.Artifacts) != 1 || cfg.Artifacts[0].Name != "clang" {
		t.Fatalf("Artifacts = %+v", cfg.Artifacts)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("FORGE_INSTALL_ROOT", "/tmp/forge-env")
	t.Setenv("FORGE_RETRY_ATTEMPTS", "7")
	t.Setenv("FORGE_RETRY_DELAY", "250ms")
	t.Setenv("FORGE_PARALLEL", "true")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.InstallRoot != "/tmp/forge-env" {
		t.Fatalf("InstallRoot = %q", cfg.InstallRoot)
	}
	if cfg.Retry.Attempts != 7 {
		t.Fatalf("Retry.Attempts = %d", cfg.Retry.Attempts)
	}
	if cfg.Retry.Delay.Std() != 250*time.Millisecond {
		t.Fatalf("Retry.Delay = %v", cfg.Retry.Delay.Std())
	}
	if !cfg.Parallel {
		t.Fatal("Parallel should be true")
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			InstallRoot: "/tmp/forge",
			Retry:       RetryPolicy{Attempts: 3, Delay: Duration(time.Second)},
			Artifacts: []ArtifactSpec{
				{Name: "clang", URL: "https://mirror.example/clang.tar.zst", Dest: "clang"},
				{Name: "sdk", Manifest: "sdk.yaml", Dest: "sdk"},
			},
			Targets: []TargetSpec{
				{
					Triple: "x86_64-apple-darwin",
					CC:     ToolRef{Artifact: "clang", Path: "bin/clang"},
				},
			},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{
			name:    "missing install root",
			mutate:  func(c *Config) { c.InstallRoot = "" },
			wantErr: "install_root",
		},
		{
			name:    "zero attempts",
			mutate:  func(c *Config) { c.Retry.Attempts = 0 },
			wantErr: "retry.attempts",
		},
		{
			name:    "no artifacts",
			mutate:  func(c *Config) { c.Artifacts = nil },
			wantErr: "at least one artifact",
		},
		{
			name:    "duplicate name",
			mutate:  func(c *Config) { c.Artifacts[1].Name = "clang" },
			wantErr: "duplicate artifact name",
		},
		{
			name:    "duplicate dest",
			mutate:  func(c *Config) { c.Artifacts[1].Dest = "clang" },
			wantErr: "already used",
		},
		{
			name:    "url and manifest",
			mutate:  func(c *Config) { c.Artifacts[0].Manifest = "x.yaml" },
			wantErr: "mutually exclusive",
		},
		{
			name:    "neither url nor manifest",
			mutate:  func(c *Config) { c.Artifacts[0].URL = "" },
			wantErr: "url or manifest",
		},
		{
			name:    "bad locator",
			mutate:  func(c *Config) { c.Artifacts[0].URL = "ftp://mirror.example/x.tar.zst" },
			wantErr: "invalid locator",
		},
		{
			name:    "undetectable format",
			mutate:  func(c *Config) { c.Artifacts[0].URL = "https://mirror.example/clang.bin" },
			wantErr: "unknown archive format",
		},
		{
			name:    "unknown artifact ref",
			mutate:  func(c *Config) { c.Targets[0].CC.Artifact = "ghost" },
			wantErr: "unknown artifact",
		},
		{
			name:    "target without cc",
			mutate:  func(c *Config) { c.Targets[0].CC = ToolRef{} },
			wantErr: "cc is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}
