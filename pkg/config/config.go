// Package config defines the personal server's configuration struct
// and a thin yaml.v3 reader. Env-var precedence, validation beyond
// basic type decoding, and hot-reload are all out of scope.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vana-com/personal-server/pkg/apperrors"
)

// ChainConfig configures the chain gateway.
type ChainConfig struct {
	RPCURL              string `yaml:"rpc_url"`
	ChainID             int64  `yaml:"chain_id"`
	PermissionsContract string `yaml:"permissions_contract"`
	GranteesContract    string `yaml:"grantees_contract"`
	FilesContract       string `yaml:"files_contract"`
}

// IdentityConfig configures server identity derivation.
type IdentityConfig struct {
	Mnemonic   string `yaml:"mnemonic"`
	Passphrase string `yaml:"passphrase"`
	Language   string `yaml:"language"`
}

// FetchConfig configures the content fetcher.
type FetchConfig struct {
	Gateways       []string      `yaml:"gateways"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	BackoffBase    time.Duration `yaml:"backoff_base"`
	BackoffCap     time.Duration `yaml:"backoff_cap"`
	MaxFileBytes   int64         `yaml:"max_file_bytes"`
}

// SandboxKind selects which sandbox runtime serves agent operations.
type SandboxKind string

const (
	SandboxContainer SandboxKind = "container"
	SandboxProcess   SandboxKind = "process"
)

// SandboxConfig configures the agent sandbox runtime.
type SandboxConfig struct {
	Runtime          SandboxKind   `yaml:"runtime"`
	ContainerdSocket string        `yaml:"containerd_socket"`
	Image            string        `yaml:"image"`
	MemoryLimitBytes int64         `yaml:"memory_limit_bytes"`
	CPUQuota         float64       `yaml:"cpu_quota"`
	Timeout          time.Duration `yaml:"timeout"`
	StdoutCapBytes   int64         `yaml:"stdout_cap_bytes"`
	MaxConcurrent    int           `yaml:"max_concurrent_agents"`
	WorkspaceRoot    string        `yaml:"workspace_root"`
}

// LLMConfig configures the remote LLM provider.
type LLMConfig struct {
	APIBaseURL     string `yaml:"api_base_url"`
	APIToken       string `yaml:"api_token"`
	ModelVersion   string `yaml:"model_version"`
	MaxPromptBytes int    `yaml:"max_prompt_bytes"`
}

// ArtifactStoreConfig configures artifact persistence.
type ArtifactStoreConfig struct {
	LocalPath      string        `yaml:"local_path"`
	GCSBucket      string        `yaml:"gcs_bucket"`
	ExpiresAfter   time.Duration `yaml:"expires_after"`
	MetadataDBPath string        `yaml:"metadata_db_path"`
}

// TaskStoreConfig configures task-store cleanup.
type TaskStoreConfig struct {
	CleanupTTL      time.Duration `yaml:"cleanup_ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	LogCap          int           `yaml:"log_cap"`
}

// Config is the full set of items a running personal server needs:
// chain access, identity, content fetching, sandbox execution, the
// remote LLM provider, artifact persistence, and task-store cleanup.
type Config struct {
	Chain     ChainConfig         `yaml:"chain"`
	Identity  IdentityConfig      `yaml:"identity"`
	Fetch     FetchConfig         `yaml:"fetch"`
	Sandbox   SandboxConfig       `yaml:"sandbox"`
	LLM       LLMConfig           `yaml:"llm"`
	Artifacts ArtifactStoreConfig `yaml:"artifacts"`
	Tasks     TaskStoreConfig     `yaml:"tasks"`

	// MockAuth, when non-empty, makes the orchestrator use this fixed
	// address as the recovered signer instead of verifying a
	// signature. A testing aid only; never enabled implicitly.
	MockAuth string `yaml:"mock_auth"`
}

// Load reads and parses a YAML config file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.New(apperrors.KindInternal, "failed to read config file", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, apperrors.New(apperrors.KindInternal, "failed to parse config file", err)
	}
	return &cfg, nil
}

// WithDefaults fills zero-valued fields with sane defaults. Called by
// components that accept a Config, not by Load itself, so that a
// caller composing a Config in code (tests, the CLI) gets the same
// defaulting a file-loaded one would.
func (c Config) WithDefaults() Config {
	if c.Fetch.AttemptTimeout <= 0 {
		c.Fetch.AttemptTimeout = 10 * time.Second
	}
	if c.Fetch.BackoffBase <= 0 {
		c.Fetch.BackoffBase = 500 * time.Millisecond
	}
	if c.Fetch.BackoffCap <= 0 {
		c.Fetch.BackoffCap = 10 * time.Second
	}
	if c.Fetch.MaxFileBytes <= 0 {
		c.Fetch.MaxFileBytes = 100 * 1024 * 1024
	}
	if c.Sandbox.Runtime == "" {
		c.Sandbox.Runtime = SandboxProcess
	}
	if c.Sandbox.Timeout <= 0 {
		c.Sandbox.Timeout = 5 * time.Minute
	}
	if c.Sandbox.StdoutCapBytes <= 0 {
		c.Sandbox.StdoutCapBytes = 1 << 20
	}
	if c.Sandbox.MaxConcurrent <= 0 {
		c.Sandbox.MaxConcurrent = 4
	}
	if c.Sandbox.WorkspaceRoot == "" {
		c.Sandbox.WorkspaceRoot = os.TempDir()
	}
	if c.LLM.MaxPromptBytes <= 0 {
		c.LLM.MaxPromptBytes = 32 * 1024
	}
	if c.Artifacts.ExpiresAfter <= 0 {
		c.Artifacts.ExpiresAfter = 30 * 24 * time.Hour
	}
	if c.Tasks.CleanupTTL <= 0 {
		c.Tasks.CleanupTTL = time.Hour
	}
	if c.Tasks.CleanupInterval <= 0 {
		c.Tasks.CleanupInterval = 10 * time.Minute
	}
	if c.Tasks.LogCap <= 0 {
		c.Tasks.LogCap = 2000
	}
	return c
}
