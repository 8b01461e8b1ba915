package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cmdforge/internal/sandbox"
	"cmdforge/internal/tester"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	tester.NoErr(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	tester.NoErr(t, err)
	tester.Eq(t, cfg.Port, ":8081")
	tester.True(t, cfg.Validation.StrictMode)
	tester.Eq(t, cfg.Scan.MaxSourceLength, 10000)
	tester.Eq(t, cfg.Sandbox.Limits(), sandbox.DefaultLimits())
	tester.Eq(t, cfg.LLMTimeout(), 30*time.Second)
	tester.Eq(t, cfg.ScanTimeout(), 5*time.Second)
	tester.Eq(t, cfg.Registry.Driver, "sqlite")
	tester.Eq(t, cfg.Workers.Count, 4)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
denylist_modules: [socket]
max_source_length: 500
languages:
  shell:
    denylist_functions: [curl]
sandbox:
  memory_limit_mb: 64
  isolation: rlimits
validation:
  strict_mode: false
  min_score: 70
workers:
  count: 2
server:
  port: "9090"
  allowed_origins: ["http://localhost:3000"]
`)
	cfg, err := Load(path)
	tester.NoErr(t, err)
	tester.Eq(t, cfg.Scan.Modules, []string{"socket"})
	tester.Eq(t, cfg.Scan.MaxSourceLength, 500)
	tester.Eq(t, cfg.Scan.Languages["shell"].Functions, []string{"curl"})
	tester.True(t, len(cfg.Scan.Functions) > 0, "untouched lists keep their defaults")
	tester.Eq(t, cfg.Sandbox.MemoryLimitMB, 64)
	tester.Eq(t, cfg.Sandbox.CPUTimeLimitS, 10)
	tester.Eq(t, cfg.Sandbox.Limits().Isolation, sandbox.IsolationRlimits)
	tester.False(t, cfg.Validation.StrictMode)
	tester.Eq(t, cfg.Validation.MinScore, 70)
	tester.Eq(t, cfg.Workers.Count, 2)
	tester.Eq(t, cfg.Workers.QueueSize, 64)
	tester.Eq(t, cfg.Port, ":9090")
	tester.Eq(t, cfg.Server.AllowedOrigins, []string{"http://localhost:3000"})
	tester.Eq(t, cfg.Server.ShutdownTimeoutS, 10)
}

func TestLoadFromEnvPath(t *testing.T) {
	t.Setenv("CMDFORGE_CONFIG", writeConfig(t, "max_source_length: 42\n"))
	cfg, err := Load("")
	tester.NoErr(t, err)
	tester.Eq(t, cfg.Scan.MaxSourceLength, 42)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeConfig(t, "sandbox:\n  memry_limit_mb: 1\n"))
	tester.True(t, err != nil, "typo accepted")
	tester.Contains(t, err.Error(), "config error")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "7000")
	t.Setenv("DATABASE_URL", "postgres://u:p@db/cmdforge")
	t.Setenv("CMDFORGE_STRICT_MODE", "false")
	t.Setenv("LLM_PROVIDER", "groq")
	t.Setenv("GROQ_API_KEY", "k")
	t.Setenv("LLM_RPS", "2.5")
	t.Setenv("CMDFORGE_ALLOWED_ORIGINS", "https://a.example, https://b.example,")

	cfg, err := Load(writeConfig(t, "validation:\n  strict_mode: true\n"))
	tester.NoErr(t, err)
	tester.Eq(t, cfg.Port, ":7000")
	tester.Eq(t, cfg.Registry.Driver, "postgres")
	tester.Eq(t, cfg.Registry.DSN, "postgres://u:p@db/cmdforge")
	tester.False(t, cfg.Validation.StrictMode, "environment wins over the file")
	tester.Eq(t, cfg.LLM.APIKey, "k")
	tester.Eq(t, cfg.LLM.RPS, 2.5)
	tester.Eq(t, cfg.Server.AllowedOrigins, []string{"https://a.example", "https://b.example"})
}

func TestEnvParseErrors(t *testing.T) {
	t.Setenv("CMDFORGE_WORKERS", "many")
	_, err := Load("")
	tester.True(t, err != nil)
	tester.Contains(t, err.Error(), "CMDFORGE_WORKERS")
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"isolation":  func(c *Config) { c.Sandbox.Isolation = "docker" },
		"min score":  func(c *Config) { c.Validation.MinScore = 101 },
		"language":   func(c *Config) { c.Scan.Languages["cobol"] = c.Scan.Languages["go"] },
		"registry":   func(c *Config) { c.Registry.Driver = "mongo" },
		"dsn":        func(c *Config) { c.Registry.DSN = "" },
		"sources":    func(c *Config) { c.Sources.Driver = "ftp" },
		"workers":    func(c *Config) { c.Workers.Count = 0 },
		"llm key":    func(c *Config) { c.LLM.Provider, c.LLM.APIKey = "gemini", "" },
		"llm":        func(c *Config) { c.LLM.Provider = "oracle" },
		"history":    func(c *Config) { c.History.Path = " " },
		"timeouts":   func(c *Config) { c.Validation.LLMTimeoutS = 0 },
		"concurrent": func(c *Config) { c.Sandbox.MaxConcurrent = 0 },
		"shutdown":   func(c *Config) { c.Server.ShutdownTimeoutS = 0 },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(cfg)
		err := cfg.Validate()
		tester.True(t, err != nil, name)
		tester.True(t, strings.HasPrefix(err.Error(), "config error: "), name)
	}
	tester.NoErr(t, Default().Validate())
}

func TestLocalDefaults(t *testing.T) {
	t.Setenv("APP_ENV", "local")
	cfg, err := Load("")
	tester.NoErr(t, err)
	tester.True(t, cfg.Artifact.CanUseS3())
	tester.Eq(t, cfg.Artifact.Endpoint, "minio:9000")
	tester.False(t, cfg.Artifact.UseSSL)
	tester.Eq(t, cfg.Sources.Driver, "s3")
}
