// Package copilot – secrets.go resolves API keys.
//
// Priority:
//  1. Encrypted vault (.pocketclaw.vault)
//  2. OS keyring
//  3. Environment variable
//  4. config.yaml value
package copilot

import (
	"log/slog"
	"os"

	"github.com/zalando/go-keyring"
	"golang.org/x/term"
)

// KeyringService is the service name used in the OS keyring.
const KeyringService = "pocketclaw"

// Secret names, used as vault entry, keyring entry and env var.
const (
	SecretProvider  = "COMPOSIO_API_KEY"
	SecretReasoning = "OPENROUTER_API_KEY"
	SecretOpenAI    = "OPENAI_API_KEY"
	SecretMemory    = "MEM0_API_KEY"
	SecretGateway   = "POCKETCLAW_GATEWAY_TOKEN"
	SecretBridge    = "POCKETCLAW_BRIDGE_TOKEN"

	vaultPasswordEnv = "POCKETCLAW_VAULT_PASSWORD"
)

// KnownSecrets lists the names `pocketclaw keys` manages.
var KnownSecrets = []string{SecretProvider, SecretReasoning, SecretOpenAI, SecretMemory, SecretGateway, SecretBridge}

// SecretSource is one lookup layer.
type SecretSource interface {
	Lookup(name string) string
}

// SecretSourceFunc adapts a function to SecretSource.
type SecretSourceFunc func(name string) string

func (f SecretSourceFunc) Lookup(name string) string { return f(name) }

// KeyringSource reads from the OS keyring.
var KeyringSource SecretSourceFunc = GetKeyring

// EnvSource reads environment variables.
var EnvSource SecretSourceFunc = os.Getenv

// StoreKeyring saves a secret to the OS keyring.
func StoreKeyring(name, value string) error {
	return keyring.Set(KeyringService, name, value)
}

// GetKeyring returns a keyring secret or "".
func GetKeyring(name string) string {
	v, err := keyring.Get(KeyringService, name)
	if err != nil {
		return ""
	}
	return v
}

// DeleteKeyring removes a keyring secret.
func DeleteKeyring(name string) error {
	return keyring.Delete(KeyringService, name)
}

// VaultSource adapts an unlocked vault.
func VaultSource(v *Vault) SecretSource {
	return SecretSourceFunc(func(name string) string {
		if v == nil || !v.IsUnlocked() {
			return ""
		}
		val, err := v.Get(name)
		if err != nil {
			return ""
		}
		return val
	})
}

// firstSecret returns the first non-empty value across sources, then the
// config value, for any of names.
func firstSecret(sources []SecretSource, configValue string, names ...string) (string, string) {
	for i, src := range sources {
		for _, n := range names {
			if v := src.Lookup(n); v != "" {
				return v, sourceLabel(i, len(sources))
			}
		}
	}
	if configValue != "" && !IsEnvReference(configValue) {
		return configValue, "config"
	}
	return "", ""
}

func sourceLabel(i, n int) string {
	labels := []string{"vault", "keyring", "env"}
	if n == len(labels) && i < len(labels) {
		return labels[i]
	}
	return "source"
}

// ApplySecrets fills cfg's key fields from sources in priority order.
func ApplySecrets(cfg *Config, sources []SecretSource, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	fields := []struct {
		target *string
		names  []string
	}{
		{&cfg.Provider.APIKey, []string{SecretProvider}},
		{&cfg.Reasoning.APIKey, []string{SecretReasoning, SecretOpenAI}},
		{&cfg.Memory.APIKey, []string{SecretMemory}},
		{&cfg.Gateway.AuthToken, []string{SecretGateway}},
		{&cfg.Bridge.Token, []string{SecretBridge}},
	}
	for _, f := range fields {
		val, from := firstSecret(sources, *f.target, f.names...)
		*f.target = val
		if from != "" {
			logger.Debug("secret resolved", "name", f.names[0], "source", from)
		}
	}
}

// ResolveSecrets opens the vault when present (POCKETCLAW_VAULT_PASSWORD or
// an interactive prompt), then applies vault, keyring, env and config in
// that order. It returns the vault, unlocked or nil.
func ResolveSecrets(cfg *Config, logger *slog.Logger) *Vault {
	if logger == nil {
		logger = slog.Default()
	}

	var unlocked *Vault
	vault := NewVault(VaultFile)
	if vault.Exists() {
		if pw := os.Getenv(vaultPasswordEnv); pw != "" {
			if err := vault.Unlock(pw); err != nil {
				logger.Warn("failed to unlock vault with "+vaultPasswordEnv, "error", err)
			}
		}
		if !vault.IsUnlocked() && term.IsTerminal(int(os.Stdin.Fd())) {
			if pw, err := ReadPassword("Vault password: "); err != nil {
				logger.Warn("failed to read vault password", "error", err)
			} else if err := vault.Unlock(pw); err != nil {
				logger.Warn("failed to unlock vault", "error", err)
			}
		}
		if vault.IsUnlocked() {
			unlocked = vault
		} else {
			logger.Info("vault present but locked, falling back to keyring/env/config")
		}
	}

	ApplySecrets(cfg, []SecretSource{VaultSource(unlocked), KeyringSource, EnvSource}, logger)
	return unlocked
}
