package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// configName is the base name searched for in the standard locations.
const configName = "devops-gate"

// InitViper initializes Viper with the configuration file and environment variables.
// If configFile is empty, it searches for devops-gate.yaml/.yml in standard locations.
// The search requires an explicit YAML extension to avoid matching the binary itself,
// which Viper's built-in SetConfigName would match (same base name, no extension).
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// Without search paths ReadInConfig returns ConfigFileNotFoundError,
		// which LoadConfig treats as "environment only".
		viper.SetConfigName(configName)
		viper.SetConfigType("yaml")
	}

	// Environment variable support: DEVOPS_GATE_SERVER_PORT
	viper.SetEnvPrefix("DEVOPS_GATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// LoadEnvFile loads KEY=VALUE pairs from path into the process environment.
// Variables already set win, so the real environment overrides the file.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// findConfigFile searches standard locations for a devops-gate config file
// with an explicit YAML extension (.yaml or .yml).
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".devops-gate"),
	}
	if runtime.GOOS == "windows" {
		if pd := os.Getenv("ProgramData"); pd != "" {
			paths = append(paths, filepath.Join(pd, configName))
		}
	} else {
		paths = append(paths, "/etc/devops-gate")
	}
	return findConfigFileInPaths(paths)
}

// findConfigFileInPaths searches the given directories for devops-gate.yaml or .yml.
// Returns the full path of the first match, or empty string if none found.
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, configName+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds every key so DEVOPS_GATE_<SECTION>_<KEY> works
// even without a config file. A few keys also answer to the plain names
// container platforms set.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("server.host", "DEVOPS_GATE_SERVER_HOST", "HOST")
	_ = viper.BindEnv("server.port", "DEVOPS_GATE_SERVER_PORT", "PORT")
	_ = viper.BindEnv("server.log_level")
	_ = viper.BindEnv("server.log_format")
	_ = viper.BindEnv("server.trust_proxy_headers")
	_ = viper.BindEnv("server.shutdown_timeout")

	_ = viper.BindEnv("auth.api_key", "DEVOPS_GATE_AUTH_API_KEY", "MCP_API_KEY")
	_ = viper.BindEnv("auth.require_api_key", "DEVOPS_GATE_AUTH_REQUIRE_API_KEY", "REQUIRE_API_KEY")

	_ = viper.BindEnv("rate_limit.window")
	_ = viper.BindEnv("rate_limit.capacity")
	_ = viper.BindEnv("rate_limit.backend")
	_ = viper.BindEnv("rate_limit.redis_addr")
	_ = viper.BindEnv("rate_limit.redis_prefix")
	_ = viper.BindEnv("rate_limit.cleanup_interval")

	_ = viper.BindEnv("session.idle_timeout")
	_ = viper.BindEnv("session.keep_alive")

	_ = viper.BindEnv("backend.timeout")
	_ = viper.BindEnv("backend.max_retries")
	_ = viper.BindEnv("backend.requests_per_second")

	_ = viper.BindEnv("tools.policy")
	_ = viper.BindEnv("tracing.enabled")
}

// LoadConfig reads the configuration file, applies environment overrides,
// sets defaults, validates, and returns the Config.
func LoadConfig() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No file: run on environment variables alone.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// ConfigFileUsed returns the path to the configuration file that was loaded.
// Returns an empty string if no config file was found (env vars only mode).
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
