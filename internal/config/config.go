// Package config loads and validates all runtime configuration for the
// worker.
//
// Configuration is read from environment variables (the deployment template
// injects them into the container) or from a .env file in the working
// directory. Environment variables take precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Worker selects the endpoint adapter set. One of: helloworld, tgi,
	// comfyui.
	Worker string

	// WorkerPort is the TCP port the HTTP server listens on inside the
	// container. Default: 3000.
	WorkerPort int

	// AdvertisedPort is the host port mapped to WorkerPort, read from
	// VAST_TCP_PORT_<WorkerPort>. It is what clients connect to.
	AdvertisedPort int

	// PublicIP is the host's public address, from PUBLIC_IPADDR.
	PublicIP string

	// UseSSL enables TLS with the instance certificate pair.
	UseSSL bool

	// CertFile and KeyFile are the TLS certificate paths used when UseSSL
	// is set.
	CertFile string
	KeyFile  string

	// ContainerID identifies this instance to the autoscaler.
	ContainerID int64

	// ReportAddr is the autoscaler's base address for status reports.
	ReportAddr string

	// ModelServerURL is the co-located model server's base URL.
	// Default: http://0.0.0.0:5001.
	ModelServerURL string

	// ModelLog is the path of the model server's log file, from MODEL_LOG.
	ModelLog string

	// PubkeyURL is where the control plane serves its signing key.
	PubkeyURL string

	// AllowParallelRequests lifts the one-at-a-time upstream gate. Adapter
	// sets may override the default.
	AllowParallelRequests bool

	// BenchmarkRuns overrides the adapter's measured benchmark run count
	// when positive.
	BenchmarkRuns int

	// BenchmarkFile is where the benchmark result is persisted. Default:
	// .has_benchmark in the working directory.
	BenchmarkFile string

	// ComfyModel selects the diffusion model for the comfyui worker.
	ComfyModel string

	// LogLevel controls the minimum log level. One of: debug, info, warn,
	// error. Default: debug.
	LogLevel string
}

// WorkerURL is the address the autoscaler hands out to clients for this
// worker.
func (c *Config) WorkerURL() string {
	scheme := "http"
	if c.UseSSL {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.PublicIP, c.AdvertisedPort)
}

// Load reads configuration from environment variables and (optionally) from
// a .env file in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────
	v.SetDefault("WORKER", "helloworld")
	v.SetDefault("WORKER_PORT", 3000)
	v.SetDefault("USE_SSL", false)
	v.SetDefault("SSL_CERT_FILE", "/etc/instance.crt")
	v.SetDefault("SSL_KEY_FILE", "/etc/instance.key")
	v.SetDefault("MODEL_SERVER_URL", "http://0.0.0.0:5001")
	v.SetDefault("PUBKEY_URL", "https://run.vast.ai/pubkey/")
	v.SetDefault("BENCHMARK_FILE", ".has_benchmark")
	v.SetDefault("LOG_LEVEL", "debug")

	worker := strings.ToLower(v.GetString("WORKER"))

	// The comfyui model server cannot batch; requests are serialized for it
	// unless the template says otherwise.
	v.SetDefault("ALLOW_PARALLEL_REQUESTS", worker != "comfyui")

	workerPort := v.GetInt("WORKER_PORT")

	// ── Build config ──────────────────────────────────────────────────────
	cfg := &Config{
		Worker:         worker,
		WorkerPort:     workerPort,
		AdvertisedPort: v.GetInt(fmt.Sprintf("VAST_TCP_PORT_%d", workerPort)),
		PublicIP:       v.GetString("PUBLIC_IPADDR"),
		UseSSL:         v.GetBool("USE_SSL"),
		CertFile:       v.GetString("SSL_CERT_FILE"),
		KeyFile:        v.GetString("SSL_KEY_FILE"),
		ContainerID:    v.GetInt64("CONTAINER_ID"),
		ReportAddr:     v.GetString("REPORT_ADDR"),
		ModelServerURL: strings.TrimRight(v.GetString("MODEL_SERVER_URL"), "/"),
		ModelLog:       v.GetString("MODEL_LOG"),
		PubkeyURL:      v.GetString("PUBKEY_URL"),

		AllowParallelRequests: v.GetBool("ALLOW_PARALLEL_REQUESTS"),
		BenchmarkRuns:         v.GetInt("BENCHMARK_RUNS"),
		BenchmarkFile:         v.GetString("BENCHMARK_FILE"),
		ComfyModel:            v.GetString("COMFY_MODEL"),

		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as
// defaults.
func (c *Config) validate() error {
	switch c.Worker {
	case "helloworld", "tgi", "comfyui":
	default:
		return fmt.Errorf("config: invalid WORKER %q; must be one of: helloworld, tgi, comfyui", c.Worker)
	}

	if c.ModelLog == "" {
		return fmt.Errorf("config: MODEL_LOG is required")
	}
	if c.ReportAddr == "" {
		return fmt.Errorf("config: REPORT_ADDR is required")
	}
	if c.PublicIP == "" {
		return fmt.Errorf("config: PUBLIC_IPADDR is required")
	}
	if c.AdvertisedPort == 0 {
		return fmt.Errorf("config: VAST_TCP_PORT_%d is required", c.WorkerPort)
	}
	if c.Worker == "comfyui" && c.ComfyModel == "" {
		return fmt.Errorf("config: COMFY_MODEL is required for the comfyui worker")
	}
	if c.BenchmarkRuns < 0 {
		return fmt.Errorf("config: BENCHMARK_RUNS must be ≥ 0, got %d", c.BenchmarkRuns)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
