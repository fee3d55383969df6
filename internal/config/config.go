// Package config provides configuration management for the Framesmith agent.
// Configuration is loaded from environment variables with sensible defaults,
// optionally layered over a YAML processing profile.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

const (
	// Default values
	DefaultPort     = 8797
	DefaultLogLevel = "info"
	DefaultDataDir  = ".framesmith"

	// Environment variable names
	EnvPort     = "FRAMESMITH_PORT"
	EnvLogLevel = "FRAMESMITH_LOG_LEVEL"
	EnvDataDir  = "FRAMESMITH_DATA_DIR"
	EnvHeadless = "FRAMESMITH_HEADLESS"
	EnvProfile  = "FRAMESMITH_PROFILE"

	// Job environment variable names
	EnvJobsPath    = "FRAMESMITH_JOBS_PATH"
	EnvJobsBackend = "FRAMESMITH_JOBS_BACKEND"
	EnvTempPath    = "FRAMESMITH_TEMP_PATH"

	// Encoder and helper environment variable names
	EnvFFmpegPath     = "FRAMESMITH_FFMPEG"
	EnvFFprobePath    = "FRAMESMITH_FFPROBE"
	EnvHelperPython   = "FRAMESMITH_HELPER_PYTHON"
	EnvHelperModule   = "FRAMESMITH_HELPER_MODULE"
	EnvNATSURL        = "FRAMESMITH_NATS_URL"
	EnvEventsSubject  = "FRAMESMITH_EVENTS_SUBJECT"
	EnvAPIToken       = "FRAMESMITH_API_TOKEN"
	EnvDebugPaths     = "FRAMESMITH_DEBUG_PATHS"
	EnvModelsDir      = "FRAMESMITH_MODELS_DIR"
	EnvRunQueueOnBoot = "FRAMESMITH_RUN_QUEUE_ON_BOOT"

	// Execution environment variable names
	EnvExecutionDeviceID          = "FRAMESMITH_EXECUTION_DEVICE_ID"
	EnvExecutionProviders         = "FRAMESMITH_EXECUTION_PROVIDERS"
	EnvExecutionThreadCount       = "FRAMESMITH_EXECUTION_THREAD_COUNT"
	EnvExecutionQueueCount        = "FRAMESMITH_EXECUTION_QUEUE_COUNT"
	EnvExecutionSessionConcurrent = "FRAMESMITH_EXECUTION_SESSION_CONCURRENCY"
	EnvVideoMemoryStrategy        = "FRAMESMITH_VIDEO_MEMORY_STRATEGY"

	// Database filename for the sqlite jobs backend
	DBFilename = "jobs.db"

	JobsBackendFile   = "file"
	JobsBackendSQLite = "sqlite"

	DefaultHelperModule  = "framesmith_helpers"
	DefaultEventsSubject = "framesmith.jobs"
	DefaultQueueCount    = 1
	DefaultMemoryPolicy  = "strict"
)

// Config defines the application configuration interface
type Config interface {
	Port() int
	LogLevel() string
	DataDir() string
	Headless() bool
	JobsPath() string
	JobsBackend() string
	DBPath() string
	TempPath() string
	ModelsDir() string
	FFmpegPath() string
	FFprobePath() string
	HelperPython() string
	HelperModule() string
	NATSURL() string
	EventsSubject() string
	APIToken() string
	DebugPaths() bool
	RunQueueOnBoot() bool
	Execution() Execution
	Profile() *Profile
}

// Execution is the execution context bundle consumed by the inference pool
// manager and the frame processing engine.
type Execution struct {
	DeviceID          string
	Providers         []string
	ThreadCount       int
	QueueCount        int
	SessionConcurrent int
	MemoryStrategy    string
}

// EnvConfig reads configuration from environment variables
type EnvConfig struct {
	port           int
	logLevel       string
	dataDir        string
	headless       bool
	jobsPath       string
	jobsBackend    string
	tempPath       string
	modelsDir      string
	ffmpegPath     string
	ffprobePath    string
	helperPython   string
	helperModule   string
	natsURL        string
	eventsSubject  string
	apiToken       string
	debugPaths     bool
	runQueueOnBoot bool
	execution      Execution
	profile        *Profile
}

// New creates a new EnvConfig with defaults and environment variable overrides
func New() (*EnvConfig, error) {
	cfg := &EnvConfig{
		port:          DefaultPort,
		logLevel:      DefaultLogLevel,
		dataDir:       defaultDataDir(),
		jobsBackend:   JobsBackendFile,
		ffmpegPath:    "ffmpeg",
		ffprobePath:   "ffprobe",
		helperModule:  DefaultHelperModule,
		eventsSubject: DefaultEventsSubject,
		execution: Execution{
			DeviceID:          "0",
			Providers:         []string{"cpu"},
			ThreadCount:       defaultThreadCount(),
			QueueCount:        DefaultQueueCount,
			SessionConcurrent: 0,
			MemoryStrategy:    DefaultMemoryPolicy,
		},
		profile: DefaultProfile(),
	}

	// Profile first so environment variables win
	if path := os.Getenv(EnvProfile); path != "" {
		profile, err := LoadProfile(path)
		if err != nil {
			return nil, err
		}
		cfg.profile = profile
		cfg.applyProfileExecution(profile.Execution)
	}

	// Override port from environment
	if p := os.Getenv(EnvPort); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvPort, err)
		}
		if port < 1 || port > 65535 {
			return nil, fmt.Errorf("invalid %s: port must be between 1 and 65535", EnvPort)
		}
		cfg.port = port
	}

	if ll := os.Getenv(EnvLogLevel); ll != "" {
		cfg.logLevel = ll
	}
	if dd := os.Getenv(EnvDataDir); dd != "" {
		cfg.dataDir = dd
	}
	cfg.headless = parseBool(os.Getenv(EnvHeadless))
	cfg.debugPaths = parseBool(os.Getenv(EnvDebugPaths))
	cfg.runQueueOnBoot = parseBool(os.Getenv(EnvRunQueueOnBoot))

	cfg.jobsPath = os.Getenv(EnvJobsPath)
	if jb := os.Getenv(EnvJobsBackend); jb != "" {
		jb = strings.ToLower(jb)
		if jb != JobsBackendFile && jb != JobsBackendSQLite {
			return nil, fmt.Errorf("invalid %s: %q (want %s or %s)", EnvJobsBackend, jb, JobsBackendFile, JobsBackendSQLite)
		}
		cfg.jobsBackend = jb
	}
	cfg.tempPath = os.Getenv(EnvTempPath)
	cfg.modelsDir = os.Getenv(EnvModelsDir)

	if v := os.Getenv(EnvFFmpegPath); v != "" {
		cfg.ffmpegPath = v
	}
	if v := os.Getenv(EnvFFprobePath); v != "" {
		cfg.ffprobePath = v
	}
	cfg.helperPython = os.Getenv(EnvHelperPython)
	if v := os.Getenv(EnvHelperModule); v != "" {
		cfg.helperModule = v
	}
	cfg.natsURL = os.Getenv(EnvNATSURL)
	if v := os.Getenv(EnvEventsSubject); v != "" {
		cfg.eventsSubject = v
	}
	cfg.apiToken = os.Getenv(EnvAPIToken)

	if err := cfg.loadExecutionEnv(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *EnvConfig) loadExecutionEnv() error {
	if v := os.Getenv(EnvExecutionDeviceID); v != "" {
		c.execution.DeviceID = v
	}
	if v := os.Getenv(EnvExecutionProviders); v != "" {
		c.execution.Providers = splitList(v)
	}
	if v := os.Getenv(EnvExecutionThreadCount); v != "" {
		n, err := parsePositiveInt(v, EnvExecutionThreadCount)
		if err != nil {
			return err
		}
		c.execution.ThreadCount = n
	}
	if v := os.Getenv(EnvExecutionQueueCount); v != "" {
		n, err := parsePositiveInt(v, EnvExecutionQueueCount)
		if err != nil {
			return err
		}
		c.execution.QueueCount = n
	}
	if v := os.Getenv(EnvExecutionSessionConcurrent); v != "" {
		n, err := parsePositiveInt(v, EnvExecutionSessionConcurrent)
		if err != nil {
			return err
		}
		c.execution.SessionConcurrent = n
	}
	if v := os.Getenv(EnvVideoMemoryStrategy); v != "" {
		v = strings.ToLower(v)
		if !isMemoryStrategy(v) {
			return fmt.Errorf("invalid %s: %q (want strict, moderate or tolerant)", EnvVideoMemoryStrategy, v)
		}
		c.execution.MemoryStrategy = v
	}
	return nil
}

func (c *EnvConfig) applyProfileExecution(p ExecutionProfile) {
	if p.DeviceID != "" {
		c.execution.DeviceID = p.DeviceID
	}
	if len(p.Providers) > 0 {
		c.execution.Providers = p.Providers
	}
	if p.ThreadCount > 0 {
		c.execution.ThreadCount = p.ThreadCount
	}
	if p.QueueCount > 0 {
		c.execution.QueueCount = p.QueueCount
	}
	if p.SessionConcurrency > 0 {
		c.execution.SessionConcurrent = p.SessionConcurrency
	}
	if p.VideoMemoryStrategy != "" {
		c.execution.MemoryStrategy = p.VideoMemoryStrategy
	}
}

// Port returns the HTTP server port
func (c *EnvConfig) Port() int {
	return c.port
}

// LogLevel returns the log level (debug, info, warn, error)
func (c *EnvConfig) LogLevel() string {
	return c.logLevel
}

// DataDir returns the data directory path
func (c *EnvConfig) DataDir() string {
	return c.dataDir
}

// Headless disables the system tray
func (c *EnvConfig) Headless() bool {
	return c.headless
}

// JobsPath returns the jobs root; one directory per job status lives below it
func (c *EnvConfig) JobsPath() string {
	if c.jobsPath != "" {
		return c.jobsPath
	}
	return filepath.Join(c.dataDir, "jobs")
}

func (c *EnvConfig) JobsBackend() string {
	return c.jobsBackend
}

// DBPath returns the full path to the SQLite database file
func (c *EnvConfig) DBPath() string {
	return filepath.Join(c.dataDir, DBFilename)
}

// TempPath returns the root for per-target temp workspaces
func (c *EnvConfig) TempPath() string {
	if c.tempPath != "" {
		return c.tempPath
	}
	return os.TempDir()
}

func (c *EnvConfig) ModelsDir() string {
	if c.modelsDir != "" {
		return c.modelsDir
	}
	return filepath.Join(c.dataDir, "models")
}

func (c *EnvConfig) FFmpegPath() string {
	return c.ffmpegPath
}

func (c *EnvConfig) FFprobePath() string {
	return c.ffprobePath
}

func (c *EnvConfig) HelperPython() string {
	return c.helperPython
}

func (c *EnvConfig) HelperModule() string {
	return c.helperModule
}

func (c *EnvConfig) NATSURL() string {
	return c.natsURL
}

func (c *EnvConfig) EventsSubject() string {
	return c.eventsSubject
}

// APIToken returns the configured bearer token; empty means one is generated at startup
func (c *EnvConfig) APIToken() string {
	return c.apiToken
}

func (c *EnvConfig) DebugPaths() bool {
	return c.debugPaths
}

func (c *EnvConfig) RunQueueOnBoot() bool {
	return c.runQueueOnBoot
}

func (c *EnvConfig) Execution() Execution {
	e := c.execution
	e.Providers = append([]string(nil), c.execution.Providers...)
	return e
}

func (c *EnvConfig) Profile() *Profile {
	return c.profile
}

// defaultDataDir returns the default data directory path
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current directory if home is not available
		return DefaultDataDir
	}
	return filepath.Join(home, DefaultDataDir)
}

func defaultThreadCount() int {
	n := runtime.NumCPU()
	if n > 8 {
		return 8
	}
	return n
}

func isMemoryStrategy(s string) bool {
	switch s {
	case "strict", "moderate", "tolerant":
		return true
	}
	return false
}

func parsePositiveInt(value string, name string) (int, error) {
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%s must be greater than zero (got %d)", name, v)
	}
	return v, nil
}

func parseBool(v string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	return err == nil && b
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, strings.ToLower(part))
		}
	}
	return out
}

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)
