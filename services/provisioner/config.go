package provisioner

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"crossforge/pkg/archive"
	"crossforge/pkg/fetch"
)

// DefaultConfig reproduces the standard cross-compile provisioning set: a
// clang cross toolchain, the cctools port of Apple's linker tools, and a
// macOS SDK resolved through a fetch manifest, with darwin and windows
// targets wired to them.
func DefaultConfig() Config {
	return Config{
		InstallRoot: "/opt/crossforge",
		SDKVersion:  "11.3",
		Retry: RetryPolicy{
			Attempts: 5,
			Delay:    Duration(10 * time.Second),
		},
		Timeout: Duration(30 * time.Minute),
		Artifacts: []ArtifactSpec{
			{
				Name:   "clang",
				URL:    "https://artifacts.forge.internal/toolchains/linux64-clang.tar.zst",
				Dest:   "clang",
				Format: "tar.zst",
			},
			{
				Name:   "cctools",
				URL:    "https://artifacts.forge.internal/toolchains/linux64-cctools-port.tar.xz",
				Dest:   "cctools",
				Format: "tar.xz",
			},
			{
				Name:     "macos-sdk",
				Manifest: "macos-sdk.manifest.yaml",
				Dest:     "MacOSX.sdk",
			},
		},
		Targets: []TargetSpec{
			{
				Triple: "x86_64-apple-darwin",
				CC:     ToolRef{Artifact: "clang", Path: "bin/clang"},
				CXX:    ToolRef{Artifact: "clang", Path: "bin/clang++"},
				AR:     ToolRef{Artifact: "cctools", Path: "bin/x86_64-apple-darwin-ar"},
				Ranlib: ToolRef{Artifact: "cctools", Path: "bin/x86_64-apple-darwin-ranlib"},
				LibPath: ToolRef{
					Artifact: "macos-sdk",
					Path:     "usr/lib",
				},
				CFlags: []string{
					"-target", "x86_64-apple-darwin",
					"-isysroot", "${macos-sdk}",
					"-B", "${cctools}/bin",
				},
				LinkerFlags: []string{
					"-fuse-ld=${cctools}/bin/x86_64-apple-darwin-ld",
					"-isysroot", "${macos-sdk}",
				},
			},
			{
				Triple: "aarch64-apple-darwin",
				CC:     ToolRef{Artifact: "clang", Path: "bin/clang"},
				CXX:    ToolRef{Artifact: "clang", Path: "bin/clang++"},
				AR:     ToolRef{Artifact: "cctools", Path: "bin/aarch64-apple-darwin-ar"},
				Ranlib: ToolRef{Artifact: "cctools", Path: "bin/aarch64-apple-darwin-ranlib"},
				LibPath: ToolRef{
					Artifact: "macos-sdk",
					Path:     "usr/lib",
				},
				CFlags: []string{
					"-target", "aarch64-apple-darwin",
					"-isysroot", "${macos-sdk}",
					"-B", "${cctools}/bin",
				},
				LinkerFlags: []string{
					"-fuse-ld=${cctools}/bin/aarch64-apple-darwin-ld",
					"-isysroot", "${macos-sdk}",
				},
			},
			{
				Triple: "x86_64-pc-windows-gnu",
				CC:     ToolRef{Artifact: "clang", Path: "bin/clang"},
				CXX:    ToolRef{Artifact: "clang", Path: "bin/clang++"},
				AR:     ToolRef{Artifact: "clang", Path: "bin/llvm-ar"},
				Ranlib: ToolRef{Artifact: "clang", Path: "bin/llvm-ranlib"},
				CFlags: []string{
					"-target", "x86_64-pc-windows-gnu",
				},
			},
		},
		Global: GlobalSpec{
			TargetCFlags:       []string{"-fPIC", "-O2"},
			WindowsLinkerFlags: []string{"-Wl,--no-insert-timestamp"},
		},
	}
}

// LoadConfig builds the effective configuration: defaults, overlaid by the
// optional YAML file at path, overlaid by FORGE_* environment variables.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.InstallRoot = getEnv("FORGE_INSTALL_ROOT", cfg.InstallRoot)
	cfg.StagingDir = getEnv("FORGE_STAGING_DIR", cfg.StagingDir)
	cfg.SDKVersion = getEnv("FORGE_SDK_VERSION", cfg.SDKVersion)
	cfg.StatusAddr = getEnv("FORGE_STATUS_ADDR", cfg.StatusAddr)
	cfg.SigningKey = getEnv("FORGE_SIGNING_KEY", cfg.SigningKey)
	cfg.Parallel = getEnvBool("FORGE_PARALLEL", cfg.Parallel)
	cfg.Force = getEnvBool("FORGE_FORCE", cfg.Force)
	cfg.Retry.Attempts = getEnvInt("FORGE_RETRY_ATTEMPTS", cfg.Retry.Attempts)
	cfg.Retry.Delay = getEnvDuration("FORGE_RETRY_DELAY", cfg.Retry.Delay)
	cfg.Timeout = getEnvDuration("FORGE_TIMEOUT", cfg.Timeout)

	if manifest := os.Getenv("FORGE_MANIFEST"); manifest != "" {
		for i := range cfg.Artifacts {
			if cfg.Artifacts[i].Manifest != "" {
				cfg.Artifacts[i].Manifest = manifest
			}
		}
	}
}

// Validate checks the configuration for internal consistency. Errors name
// the offending key so CI logs point at the fix.
func (c Config) Validate() error {
	if c.InstallRoot == "" {
		return fmt.Errorf("install_root is required")
	}
	if c.Retry.Attempts < 1 {
		return fmt.Errorf("retry.attempts must be >= 1, got %d", c.Retry.Attempts)
	}
	if c.Retry.Delay < 0 {
		return fmt.Errorf("retry.delay must not be negative")
	}
	if len(c.Artifacts) == 0 {
		return fmt.Errorf("at least one artifact is required")
	}

	names := make(map[string]struct{}, len(c.Artifacts))
	dests := make(map[string]struct{}, len(c.Artifacts))
	for _, spec := range c.Artifacts {
		if spec.Name == "" {
			return fmt.Errorf("artifact name is required")
		}
		if _, dup := names[spec.Name]; dup {
			return fmt.Errorf("duplicate artifact name %q", spec.Name)
		}
		names[spec.Name] = struct{}{}

		if spec.Dest == "" {
			return fmt.Errorf("artifact %q: dest is required", spec.Name)
		}
		if _, dup := dests[spec.Dest]; dup {
			return fmt.Errorf("artifact %q: dest %q already used", spec.Name, spec.Dest)
		}
		dests[spec.Dest] = struct{}{}

		switch {
		case spec.URL != "" && spec.Manifest != "":
			return fmt.Errorf("artifact %q: url and manifest are mutually exclusive", spec.Name)
		case spec.URL == "" && spec.Manifest == "":
			return fmt.Errorf("artifact %q: url or manifest is required", spec.Name)
		case spec.URL != "":
			if err := fetch.ValidateLocator(spec.URL); err != nil {
				return fmt.Errorf("artifact %q: %w", spec.Name, err)
			}
			if _, err := c.artifactFormat(spec); err != nil {
				return fmt.Errorf("artifact %q: %w", spec.Name, err)
			}
		}
	}

	for _, target := range c.Targets {
		if target.Triple == "" {
			return fmt.Errorf("target triple is required")
		}
		refs := map[string]ToolRef{
			"cc":       target.CC,
			"cxx":      target.CXX,
			"ar":       target.AR,
			"ranlib":   target.Ranlib,
			"lib_path": target.LibPath,
		}
		for role, ref := range refs {
			if ref.Artifact == "" {
				continue
			}
			if _, ok := names[ref.Artifact]; !ok {
				return fmt.Errorf("target %s: %s references unknown artifact %q", target.Triple, role, ref.Artifact)
			}
		}
		if target.CC.Artifact == "" {
			return fmt.Errorf("target %s: cc is required", target.Triple)
		}
	}

	return nil
}

func (c Config) artifactFormat(spec ArtifactSpec) (archive.Format, error) {
	if spec.Format != "" {
		return archive.ParseFormat(spec.Format)
	}
	return archive.DetectFormat(spec.URL)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def Duration) Duration {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return Duration(d)
		}
	}
	return def
}
