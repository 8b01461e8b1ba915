package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"cmdforge/internal/sandbox"
	"cmdforge/internal/scan"
)

type Config struct {
	Port string `yaml:"-"`
	Env  string `yaml:"-"`

	Scan       scan.Rules       `yaml:",inline"`
	Sandbox    SandboxConfig    `yaml:"sandbox"`
	Validation ValidationConfig `yaml:"validation"`
	Workers    WorkersConfig    `yaml:"workers"`
	History    HistoryConfig    `yaml:"history"`
	Registry   RegistryConfig   `yaml:"registry"`
	Sources    SourcesConfig    `yaml:"sources"`
	Artifact   ArtifactConfig   `yaml:"artifact_s3"`
	LLM        LLMConfig        `yaml:"llm"`
	Server     ServerConfig     `yaml:"server"`
}

type SandboxConfig struct {
	MemoryLimitMB   int    `yaml:"memory_limit_mb"`
	CPUTimeLimitS   int    `yaml:"cpu_time_limit_s"`
	WallClockLimitS int    `yaml:"wall_clock_limit_s"`
	NetworkAllowed  bool   `yaml:"network_allowed"`
	MaxOutputBytes  int    `yaml:"max_output_bytes"`
	MaxFileSizeMB   int    `yaml:"max_file_size_mb"`
	MaxOpenFiles    int    `yaml:"max_open_files"`
	MaxConcurrent   int    `yaml:"max_concurrent"`
	Isolation       string `yaml:"isolation"`
	ScratchRoot     string `yaml:"scratch_root"`
}

func (c SandboxConfig) Limits() sandbox.Limits {
	return sandbox.Limits{
		MemoryMB:         c.MemoryLimitMB,
		CPUTime:          time.Duration(c.CPUTimeLimitS) * time.Second,
		WallClock:        time.Duration(c.WallClockLimitS) * time.Second,
		NetworkAllowed:   c.NetworkAllowed,
		MaxOutputBytes:   c.MaxOutputBytes,
		MaxFileSizeBytes: int64(c.MaxFileSizeMB) << 20,
		MaxOpenFiles:     c.MaxOpenFiles,
		Isolation:        sandbox.Isolation(c.Isolation),
	}
}

type ValidationConfig struct {
	StrictMode   bool `yaml:"strict_mode"`
	LLMTimeoutS  int  `yaml:"llm_timeout_s"`
	ScanTimeoutS int  `yaml:"scan_timeout_s"`
	MinScore     int  `yaml:"min_score"`
}

type WorkersConfig struct {
	Count     int `yaml:"count"`
	QueueSize int `yaml:"queue_size"`
}

type HistoryConfig struct {
	Path string `yaml:"path"`
}

type RegistryConfig struct {
	Driver string `yaml:"driver"` // sqlite | postgres | memory
	DSN    string `yaml:"dsn"`
}

type SourcesConfig struct {
	Driver       string `yaml:"driver"` // disk | memory | s3
	Dir          string `yaml:"dir"`
	CacheEntries int    `yaml:"cache_entries"`
}

type ArtifactConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	UseSSL    bool   `yaml:"use_ssl"`
}

func (a ArtifactConfig) CanUseS3() bool {
	return a.Enabled &&
		strings.TrimSpace(a.Endpoint) != "" &&
		strings.TrimSpace(a.AccessKey) != "" &&
		strings.TrimSpace(a.SecretKey) != "" &&
		strings.TrimSpace(a.Bucket) != ""
}

type LLMConfig struct {
	Provider string  `yaml:"provider"`
	Model    string  `yaml:"model"`
	APIKey   string  `yaml:"api_key"`
	BaseURL  string  `yaml:"base_url"`
	RPS      float64 `yaml:"rps"`
	Burst    int     `yaml:"burst"`
	Retries  int     `yaml:"retries"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	// AllowedOrigins lists browser origins allowed to call the gateway.
	// Empty allows any origin.
	AllowedOrigins   []string `yaml:"allowed_origins"`
	ShutdownTimeoutS int      `yaml:"shutdown_timeout_s"`
}

const defaultDataDir = ".cmdforge"

func Default() *Config {
	lim := sandbox.DefaultLimits()
	return &Config{
		Port: ":8081",
		Env:  "development",
		Scan: scan.DefaultRules(),
		Sandbox: SandboxConfig{
			MemoryLimitMB:   lim.MemoryMB,
			CPUTimeLimitS:   int(lim.CPUTime / time.Second),
			WallClockLimitS: int(lim.WallClock / time.Second),
			MaxOutputBytes:  lim.MaxOutputBytes,
			MaxFileSizeMB:   int(lim.MaxFileSizeBytes >> 20),
			MaxOpenFiles:    lim.MaxOpenFiles,
			MaxConcurrent:   2,
			Isolation:       string(lim.Isolation),
			ScratchRoot:     filepath.Join(os.TempDir(), "cmdforge-sandbox"),
		},
		Validation: ValidationConfig{
			StrictMode:   true,
			LLMTimeoutS:  30,
			ScanTimeoutS: 5,
		},
		Workers:  WorkersConfig{Count: 4, QueueSize: 64},
		History:  HistoryConfig{Path: filepath.Join(defaultDataDir, "history.jsonl")},
		Registry: RegistryConfig{Driver: "sqlite", DSN: filepath.Join(defaultDataDir, "registry.db")},
		Sources:  SourcesConfig{Driver: "disk", Dir: filepath.Join(defaultDataDir, "sources"), CacheEntries: 512},
		Artifact: ArtifactConfig{Region: "us-east-1", Bucket: "cmdforge-sources", Prefix: "sources", UseSSL: true},
		LLM:      LLMConfig{Provider: "fake", RPS: 1, Burst: 1},
		Server:   ServerConfig{ShutdownTimeoutS: 10},
	}
}

// Load builds the configuration: defaults, then the YAML file, then .env and
// the process environment. path may be empty; CMDFORGE_CONFIG and
// ./config.yaml are tried next.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	path = firstNonEmpty(strings.TrimSpace(path), strings.TrimSpace(os.Getenv("CMDFORGE_CONFIG")))
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if strings.EqualFold(cfg.Env, "local") {
		applyLocalDefaults(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config error: read %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config error: parse %s: %w", path, err)
	}
	if p := strings.TrimSpace(c.Server.Port); p != "" {
		c.Port = normalizePort(p)
	}
	return nil
}

func (c *Config) applyEnv() error {
	if v := strings.TrimSpace(os.Getenv("PORT")); v != "" {
		c.Port = normalizePort(v)
	}
	c.Env = firstNonEmpty(strings.TrimSpace(os.Getenv("APP_ENV")), c.Env)

	if dsn := strings.TrimSpace(os.Getenv("DATABASE_URL")); dsn != "" {
		c.Registry.Driver, c.Registry.DSN = "postgres", dsn
	}
	c.Registry.Driver = firstNonEmpty(strings.TrimSpace(os.Getenv("CMDFORGE_REGISTRY_DRIVER")), c.Registry.Driver)
	c.Registry.DSN = firstNonEmpty(strings.TrimSpace(os.Getenv("CMDFORGE_REGISTRY_DSN")), c.Registry.DSN)
	c.History.Path = firstNonEmpty(strings.TrimSpace(os.Getenv("CMDFORGE_HISTORY_PATH")), c.History.Path)
	c.Sources.Driver = firstNonEmpty(strings.TrimSpace(os.Getenv("CMDFORGE_SOURCES_DRIVER")), c.Sources.Driver)
	c.Sources.Dir = firstNonEmpty(strings.TrimSpace(os.Getenv("CMDFORGE_SOURCES_DIR")), c.Sources.Dir)
	c.Sandbox.Isolation = firstNonEmpty(strings.TrimSpace(os.Getenv("CMDFORGE_SANDBOX_ISOLATION")), c.Sandbox.Isolation)
	c.Sandbox.ScratchRoot = firstNonEmpty(strings.TrimSpace(os.Getenv("CMDFORGE_SCRATCH_ROOT")), c.Sandbox.ScratchRoot)

	if v := strings.TrimSpace(os.Getenv("CMDFORGE_ALLOWED_ORIGINS")); v != "" {
		c.Server.AllowedOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.Server.AllowedOrigins = append(c.Server.AllowedOrigins, o)
			}
		}
	}

	var err error
	if c.Validation.StrictMode, err = envBool("CMDFORGE_STRICT_MODE", c.Validation.StrictMode); err != nil {
		return err
	}
	if c.Validation.MinScore, err = envInt("CMDFORGE_MIN_SCORE", c.Validation.MinScore); err != nil {
		return err
	}
	if c.Workers.Count, err = envInt("CMDFORGE_WORKERS", c.Workers.Count); err != nil {
		return err
	}

	c.LLM.Provider = firstNonEmpty(strings.TrimSpace(os.Getenv("LLM_PROVIDER")), c.LLM.Provider)
	c.LLM.Model = firstNonEmpty(strings.TrimSpace(os.Getenv("LLM_MODEL")), c.LLM.Model)
	c.LLM.BaseURL = firstNonEmpty(strings.TrimSpace(os.Getenv("LLM_BASE_URL")), c.LLM.BaseURL)
	c.LLM.APIKey = firstNonEmpty(
		strings.TrimSpace(os.Getenv("LLM_API_KEY")),
		providerKey(c.LLM.Provider),
		c.LLM.APIKey,
	)
	if c.LLM.RPS, err = envFloat("LLM_RPS", c.LLM.RPS); err != nil {
		return err
	}
	if c.LLM.Burst, err = envInt("LLM_BURST", c.LLM.Burst); err != nil {
		return err
	}

	c.Artifact.Endpoint = firstNonEmpty(strings.TrimSpace(os.Getenv("ARTIFACT_S3_ENDPOINT")), c.Artifact.Endpoint)
	c.Artifact.Region = firstNonEmpty(strings.TrimSpace(os.Getenv("ARTIFACT_S3_REGION")), c.Artifact.Region)
	c.Artifact.AccessKey = firstNonEmpty(strings.TrimSpace(os.Getenv("ARTIFACT_S3_ACCESS_KEY")), strings.TrimSpace(os.Getenv("MINIO_ROOT_USER")), c.Artifact.AccessKey)
	c.Artifact.SecretKey = firstNonEmpty(strings.TrimSpace(os.Getenv("ARTIFACT_S3_SECRET_KEY")), strings.TrimSpace(os.Getenv("MINIO_ROOT_PASSWORD")), c.Artifact.SecretKey)
	c.Artifact.Bucket = firstNonEmpty(strings.TrimSpace(os.Getenv("ARTIFACT_S3_BUCKET")), c.Artifact.Bucket)
	if c.Artifact.UseSSL, err = envBool("ARTIFACT_S3_USE_SSL", c.Artifact.UseSSL); err != nil {
		return err
	}
	if c.Artifact.Endpoint != "" && strings.EqualFold(c.Sources.Driver, "s3") {
		c.Artifact.Enabled = true
	}
	return nil
}

func providerKey(provider string) string {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "gemini":
		return firstNonEmpty(strings.TrimSpace(os.Getenv("GEMINI_API_KEY")), strings.TrimSpace(os.Getenv("GOOGLE_API_KEY")))
	case "groq":
		return strings.TrimSpace(os.Getenv("GROQ_API_KEY"))
	}
	return ""
}

// Validate rejects configurations the services cannot start with.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) { problems = append(problems, fmt.Sprintf(format, args...)) }

	if strings.TrimSpace(c.Port) == "" {
		add("server port is required")
	}
	if c.Server.ShutdownTimeoutS <= 0 {
		add("server.shutdown_timeout_s must be positive")
	}
	if c.Scan.MaxSourceLength <= 0 {
		add("max_source_length must be positive")
	}
	known := map[string]bool{}
	for _, l := range scan.Languages() {
		known[l] = true
	}
	for lang := range c.Scan.Languages {
		if !known[lang] {
			add("languages.%s: unsupported language", lang)
		}
	}
	switch sandbox.Isolation(c.Sandbox.Isolation) {
	case sandbox.IsolationNamespaces, sandbox.IsolationRlimits:
	default:
		add("sandbox.isolation must be namespaces or rlimits, got %q", c.Sandbox.Isolation)
	}
	if c.Sandbox.MemoryLimitMB <= 0 || c.Sandbox.CPUTimeLimitS <= 0 || c.Sandbox.WallClockLimitS <= 0 {
		add("sandbox limits must be positive")
	}
	if c.Sandbox.MaxConcurrent <= 0 {
		add("sandbox.max_concurrent must be positive")
	}
	if c.Validation.LLMTimeoutS <= 0 || c.Validation.ScanTimeoutS <= 0 {
		add("validation timeouts must be positive")
	}
	if c.Validation.MinScore < 0 || c.Validation.MinScore > 100 {
		add("validation.min_score must be between 0 and 100")
	}
	if c.Workers.Count <= 0 || c.Workers.QueueSize <= 0 {
		add("workers.count and workers.queue_size must be positive")
	}
	if strings.TrimSpace(c.History.Path) == "" {
		add("history.path is required")
	}
	switch strings.ToLower(c.Registry.Driver) {
	case "memory":
	case "sqlite", "postgres":
		if strings.TrimSpace(c.Registry.DSN) == "" {
			add("registry.dsn is required for %s", c.Registry.Driver)
		}
	default:
		add("registry.driver must be sqlite, postgres or memory, got %q", c.Registry.Driver)
	}
	switch strings.ToLower(c.Sources.Driver) {
	case "memory", "s3":
	case "disk":
		if strings.TrimSpace(c.Sources.Dir) == "" {
			add("sources.dir is required for disk")
		}
	default:
		add("sources.driver must be disk, memory or s3, got %q", c.Sources.Driver)
	}
	switch strings.ToLower(c.LLM.Provider) {
	case "", "fake":
	case "gemini", "groq":
		if strings.TrimSpace(c.LLM.APIKey) == "" {
			add("llm.api_key is required for %s", c.LLM.Provider)
		}
	default:
		add("llm.provider must be fake, gemini or groq, got %q", c.LLM.Provider)
	}
	if len(problems) > 0 {
		return fmt.Errorf("config error: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) LLMTimeout() time.Duration {
	return time.Duration(c.Validation.LLMTimeoutS) * time.Second
}

func (c *Config) ScanTimeout() time.Duration {
	return time.Duration(c.Validation.ScanTimeoutS) * time.Second
}

func normalizePort(p string) string {
	if strings.HasPrefix(p, ":") || strings.Contains(p, ":") {
		return p
	}
	return ":" + p
}

func envBool(key string, def bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def, fmt.Errorf("config error: %s: %w", key, err)
	}
	return v, nil
}

func envInt(key string, def int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def, fmt.Errorf("config error: %s: %w", key, err)
	}
	return v, nil
}

func envFloat(key string, def float64) (float64, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def, fmt.Errorf("config error: %s: %w", key, err)
	}
	return v, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
