// Package config holds the agent's process-wide tunables (C1): immutable
// capture bounds and transport settings resolved from explicit arguments and
// AIVORY_-prefixed environment variables, plus the mutable custom-context and
// user-identity maps read by every capture path.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"strconv"
	"sync"
	"time"
)

// ErrMissingAPIKey is returned by New when no credential is supplied by
// either explicit argument or the AIVORY_API_KEY environment variable.
var ErrMissingAPIKey = errors.New("config: api_key is required")

const (
	defaultBackendURL         = "wss://api.aivory.net/monitor/agent"
	defaultEnvironment        = "production"
	defaultSamplingRate       = 1.0
	defaultMaxCaptureDepth    = 10 // resolves the source's 3-vs-10 discrepancy; see DESIGN.md
	defaultMaxStringLength    = 1000
	defaultMaxCollectionSize  = 100
	defaultEnableBreakpoints  = true
	defaultDebug              = false
	defaultRedactSensitive    = false
	defaultEnableMetrics      = false
	defaultMetricsEndpoint    = "https://api.aivory.net/monitor/metrics"
	defaultEnableTracing      = false
	defaultTracingServiceName = "aivory-agent"
)

// Config is the immutable portion of AgentConfig plus the mutable
// custom-context/user maps, which are guarded by mu for concurrent capture
// paths.
type Config struct {
	APIKey      string
	BackendURL  string
	Environment string
	AgentID     string
	Hostname    string

	SamplingRate      float64
	MaxCaptureDepth    int
	MaxStringLength    int
	MaxCollectionSize  int
	EnableBreakpoints  bool
	Debug              bool
	RedactSensitiveData bool
	EnableMetrics      bool
	MetricsEndpoint    string
	EnableTracing      bool
	TracingServiceName string

	mu            sync.RWMutex
	customContext map[string]any
	user          map[string]any
}

// Options mirrors the explicit-argument surface of New; zero values mean
// "use default or environment override."
type Options struct {
	APIKey              string
	BackendURL          string
	Environment         string
	SamplingRate        *float64
	MaxCaptureDepth     *int
	MaxStringLength     *int
	MaxCollectionSize   *int
	EnableBreakpoints   *bool
	Debug               *bool
	RedactSensitiveData *bool
	EnableMetrics       *bool
	MetricsEndpoint     string
	EnableTracing       *bool
	TracingServiceName  string
}

// New resolves a Config from explicit Options, falling back to AIVORY_-
// prefixed environment variables, falling back to documented defaults.
// Explicit arguments always win over the environment.
func New(opts Options) (*Config, error) {
	c := &Config{
		customContext: make(map[string]any),
		user:          make(map[string]any),
	}

	c.APIKey = firstNonEmpty(opts.APIKey, os.Getenv("AIVORY_API_KEY"))
	if c.APIKey == "" {
		return nil, ErrMissingAPIKey
	}

	c.BackendURL = firstNonEmpty(opts.BackendURL, os.Getenv("AIVORY_BACKEND_URL"), defaultBackendURL)
	c.Environment = firstNonEmpty(opts.Environment, os.Getenv("AIVORY_ENVIRONMENT"), defaultEnvironment)

	samplingRate, err := resolveFloat(opts.SamplingRate, "AIVORY_SAMPLING_RATE", defaultSamplingRate)
	if err != nil {
		return nil, fmt.Errorf("config: sampling_rate: %w", err)
	}
	c.SamplingRate = samplingRate

	maxDepth, err := resolveInt(opts.MaxCaptureDepth, "AIVORY_MAX_DEPTH", defaultMaxCaptureDepth)
	if err != nil {
		return nil, fmt.Errorf("config: max_capture_depth: %w", err)
	}
	c.MaxCaptureDepth = maxDepth

	maxStr, err := resolveInt(opts.MaxStringLength, "AIVORY_MAX_STRING_LENGTH", defaultMaxStringLength)
	if err != nil {
		return nil, fmt.Errorf("config: max_string_length: %w", err)
	}
	c.MaxStringLength = maxStr

	maxColl, err := resolveInt(opts.MaxCollectionSize, "AIVORY_MAX_COLLECTION_SIZE", defaultMaxCollectionSize)
	if err != nil {
		return nil, fmt.Errorf("config: max_collection_size: %w", err)
	}
	c.MaxCollectionSize = maxColl

	enableBP, err := resolveBool(opts.EnableBreakpoints, "AIVORY_ENABLE_BREAKPOINTS", defaultEnableBreakpoints)
	if err != nil {
		return nil, fmt.Errorf("config: enable_breakpoints: %w", err)
	}
	c.EnableBreakpoints = enableBP

	debug, err := resolveBool(opts.Debug, "AIVORY_DEBUG", defaultDebug)
	if err != nil {
		return nil, fmt.Errorf("config: debug: %w", err)
	}
	c.Debug = debug

	redact, err := resolveBool(opts.RedactSensitiveData, "AIVORY_REDACT_SENSITIVE_DATA", defaultRedactSensitive)
	if err != nil {
		return nil, fmt.Errorf("config: redact_sensitive_data: %w", err)
	}
	c.RedactSensitiveData = redact

	enableMetrics, err := resolveBool(opts.EnableMetrics, "AIVORY_ENABLE_METRICS", defaultEnableMetrics)
	if err != nil {
		return nil, fmt.Errorf("config: enable_metrics: %w", err)
	}
	c.EnableMetrics = enableMetrics
	c.MetricsEndpoint = firstNonEmpty(opts.MetricsEndpoint, os.Getenv("AIVORY_METRICS_ENDPOINT"), defaultMetricsEndpoint)

	enableTracing, err := resolveBool(opts.EnableTracing, "AIVORY_ENABLE_TRACING", defaultEnableTracing)
	if err != nil {
		return nil, fmt.Errorf("config: enable_tracing: %w", err)
	}
	c.EnableTracing = enableTracing
	c.TracingServiceName = firstNonEmpty(opts.TracingServiceName, os.Getenv("AIVORY_TRACING_SERVICE_NAME"), defaultTracingServiceName)

	c.AgentID = generateAgentID()
	c.Hostname, _ = os.Hostname()

	return c, nil
}

// ShouldSample implements the sampling law of §4.3: deterministic at the
// boundaries, a uniform draw in between.
func (c *Config) ShouldSample() bool {
	if c.SamplingRate >= 1.0 {
		return true
	}
	if c.SamplingRate <= 0.0 {
		return false
	}
	return rand.Float64() < c.SamplingRate
}

// SetContext merges key/value pairs into the global custom context used by
// every exception/breakpoint capture until overridden or cleared.
func (c *Config) SetContext(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.customContext[key] = value
}

// CustomContext returns a shallow copy safe for the caller to read without
// holding the config's lock.
func (c *Config) CustomContext() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.customContext))
	for k, v := range c.customContext {
		out[k] = v
	}
	return out
}

// SetUser replaces the user-identity map attached to every capture's context.
func (c *Config) SetUser(user map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.user = make(map[string]any, len(user))
	for k, v := range user {
		c.user[k] = v
	}
}

// User returns a shallow copy of the current user-identity map.
func (c *Config) User() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.user))
	for k, v := range c.user {
		out[k] = v
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func resolveFloat(explicit *float64, envKey string, def float64) (float64, error) {
	if explicit != nil {
		return *explicit, nil
	}
	if raw := os.Getenv(envKey); raw != "" {
		return strconv.ParseFloat(raw, 64)
	}
	return def, nil
}

func resolveInt(explicit *int, envKey string, def int) (int, error) {
	if explicit != nil {
		return *explicit, nil
	}
	if raw := os.Getenv(envKey); raw != "" {
		return strconv.Atoi(raw)
	}
	return def, nil
}

func resolveBool(explicit *bool, envKey string, def bool) (bool, error) {
	if explicit != nil {
		return *explicit, nil
	}
	if raw := os.Getenv(envKey); raw != "" {
		return strconv.ParseBool(raw)
	}
	return def, nil
}

// generateAgentID mirrors the original's f"agent-{hex(int(time.time()))[2:]}-{secrets.token_hex(4)}".
func generateAgentID() string {
	ts := time.Now().Unix()
	randBytes := make([]byte, 4)
	_, _ = rand.Read(randBytes)
	return fmt.Sprintf("agent-%x-%s", ts, hex.EncodeToString(randBytes))
}
