package provisioner

// ArtifactSpec names one toolchain artifact to provision. Exactly one of
// URL (direct download) or Manifest (manifest-driven fetch) is set.
type ArtifactSpec struct {
	Name     string `yaml:"name"`
	URL      string `yaml:"url,omitempty"`
	Manifest string `yaml:"manifest,omitempty"`
	Dest     string `yaml:"dest"`
	Format   string `yaml:"format,omitempty"`
}

// RetryPolicy bounds download attempts for every fetch path, direct and
// manifest-driven alike.
type RetryPolicy struct {
	Attempts int      `yaml:"attempts"`
	Delay    Duration `yaml:"delay"`
}

// ToolRef addresses a file or directory inside a provisioned artifact.
type ToolRef struct {
	Artifact string `yaml:"artifact"`
	Path     string `yaml:"path"`
}

// TargetSpec carries the per-triple toolchain layout. Flags are kept as
// token lists and only joined into strings at the environment boundary.
type TargetSpec struct {
	Triple      string   `yaml:"triple"`
	CC          ToolRef  `yaml:"cc"`
	CXX         ToolRef  `yaml:"cxx,omitempty"`
	AR          ToolRef  `yaml:"ar"`
	Ranlib      ToolRef  `yaml:"ranlib,omitempty"`
	LibPath     ToolRef  `yaml:"lib_path,omitempty"`
	CFlags      []string `yaml:"cflags,omitempty"`
	LinkerFlags []string `yaml:"linker_flags,omitempty"`
}

// GlobalSpec holds flags that apply across all targets.
type GlobalSpec struct {
	TargetCFlags       []string `yaml:"target_cflags,omitempty"`
	WindowsLinkerFlags []string `yaml:"windows_linker_flags,omitempty"`
}

// Config is the full provisioning configuration: where artifacts come
// from, where they land, and how the build environment is composed.
type Config struct {
	InstallRoot string         `yaml:"install_root"`
	StagingDir  string         `yaml:"staging_dir,omitempty"`
	SDKVersion  string         `yaml:"sdk_version,omitempty"`
	Parallel    bool           `yaml:"parallel"`
	Force       bool           `yaml:"force"`
	Timeout     Duration       `yaml:"timeout,omitempty"`
	StatusAddr  string         `yaml:"status_addr,omitempty"`
	SigningKey  string         `yaml:"signing_key,omitempty"`
	Retry       RetryPolicy    `yaml:"retry"`
	Artifacts   []ArtifactSpec `yaml:"artifacts"`
	Targets     []TargetSpec   `yaml:"targets"`
	Global      GlobalSpec     `yaml:"global"`
}
