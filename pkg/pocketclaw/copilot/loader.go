// Package copilot – loader.go reads config.yaml, loads .env files and
// expands environment references before parsing.
package copilot

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR}, ${VAR:-default} and ${VAR:?message}.
//
// Capture groups: 1 variable name, 2 modifier ("-" or "?"), 3 modifier value.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}`)

// EnvFiles are loaded, in order, before the config is parsed. Values already
// present in the environment win.
var EnvFiles = []string{".env", ".env.local"}

// LoadConfigFromFile reads, expands and parses a YAML config file.
func LoadConfigFromFile(path string) (*Config, error) {
	LoadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded, err := ExpandEnv(string(data))
	if err != nil {
		return nil, fmt.Errorf("expanding environment variables: %w", err)
	}

	cfg, err := ParseConfig([]byte(expanded))
	if err != nil {
		return nil, err
	}
	resolveRelativePaths(cfg, path)
	return cfg, nil
}

// ParseConfig overlays YAML onto DefaultConfig.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, nil
}

// FindConfigFile returns the first existing config file in the standard
// locations, or "".
func FindConfigFile() string {
	candidates := []string{
		"config.yaml",
		"config.yml",
		filepath.Join("configs", "config.yaml"),
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".pocketclaw", "config.yaml"))
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// LoadEnvFiles loads EnvFiles, ignoring missing ones.
func LoadEnvFiles() {
	for _, f := range EnvFiles {
		_ = godotenv.Load(f)
	}
}

// ExpandEnv replaces environment references in input. An unset variable
// with a :? modifier is an error; an unset plain reference is left as is.
func ExpandEnv(input string) (string, error) {
	var firstErr error
	out := envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		m := envVarPattern.FindStringSubmatch(match)
		name, mod, val := m[1], m[2], m[3]

		if v, ok := os.LookupEnv(name); ok && v != "" {
			return v
		}
		switch mod {
		case "-":
			return val
		case "?":
			if firstErr == nil {
				if val == "" {
					val = "required environment variable not set"
				}
				firstErr = fmt.Errorf("config error: %s - %s", name, val)
			}
			return ""
		}
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return match
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// IsEnvReference reports whether s is an unexpanded ${VAR} reference.
func IsEnvReference(s string) bool {
	return strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}")
}

// resolveRelativePaths anchors file paths in cfg to the config file's
// directory so the binary can be started from anywhere.
func resolveRelativePaths(cfg *Config, configPath string) {
	dir := filepath.Dir(configPath)
	for _, p := range []*string{
		&cfg.Memory.Path,
		&cfg.Gate.AuditPath,
		&cfg.Skills.Dir,
		&cfg.Capabilities.CatalogFile,
	} {
		if *p == "" || filepath.IsAbs(*p) || strings.HasPrefix(*p, "~") {
			continue
		}
		*p = filepath.Join(dir, *p)
	}
}

// AuditSecrets warns about secrets written literally into the config file.
func AuditSecrets(raw []byte, logger *slog.Logger) {
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return
	}
	for _, section := range []string{"provider", "reasoning", "memory"} {
		m, _ := doc[section].(map[string]any)
		key, _ := m["api_key"].(string)
		if key != "" && !IsEnvReference(key) {
			logger.Warn("API key appears to be hardcoded in config",
				"section", section,
				"hint", "use ${ENV_VAR} or `pocketclaw keys set`")
		}
	}
}
