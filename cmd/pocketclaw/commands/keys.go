package commands

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/copilot"
)

// newKeysCmd creates `pocketclaw keys`, which manages API keys in the OS
// keyring or, with --vault, in the encrypted vault file.
func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage API keys in the OS keyring or the encrypted vault",
		Long: `Store API keys outside the config file. Keys are looked up in the vault,
then the keyring, then the environment, then the config.

Known names: ` + strings.Join(copilot.KnownSecrets, ", ") + `

Examples:
  pocketclaw keys list
  pocketclaw keys set OPENROUTER_API_KEY
  pocketclaw keys set COMPOSIO_API_KEY --vault
  pocketclaw keys delete MEM0_API_KEY`,
	}

	cmd.PersistentFlags().Bool("vault", false, "use the encrypted vault instead of the OS keyring")
	cmd.AddCommand(newKeysListCmd(), newKeysSetCmd(), newKeysGetCmd(), newKeysDeleteCmd())
	return cmd
}

// secretStore is the subset shared by the keyring and an unlocked vault.
type secretStore interface {
	Get(name string) (string, error)
	Set(name, value string) error
	Delete(name string) error
}

type keyringStore struct{}

func (keyringStore) Get(name string) (string, error) {
	if v := copilot.GetKeyring(name); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("%s is not in the keyring", name)
}
func (keyringStore) Set(name, value string) error { return copilot.StoreKeyring(name, value) }
func (keyringStore) Delete(name string) error     { return copilot.DeleteKeyring(name) }

// openStore returns the keyring, or the vault unlocked with a prompted
// password. create allows initializing a missing vault.
func openStore(cmd *cobra.Command, create bool) (secretStore, error) {
	useVault, _ := cmd.Flags().GetBool("vault")
	if !useVault {
		return keyringStore{}, nil
	}

	v := copilot.NewVault(copilot.VaultFile)
	if !v.Exists() {
		if !create {
			return nil, fmt.Errorf("no vault at %s", v.Path())
		}
		pw, err := copilot.ReadPassword("New vault password: ")
		if err != nil {
			return nil, err
		}
		confirm, err := copilot.ReadPassword("Repeat password: ")
		if err != nil {
			return nil, err
		}
		if pw == "" || pw != confirm {
			return nil, errors.New("passwords are empty or do not match")
		}
		if err := v.Create(pw); err != nil {
			return nil, fmt.Errorf("creating vault: %w", err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Vault created at %s\n", v.Path())
		return v, nil
	}

	pw, err := copilot.ReadPassword("Vault password: ")
	if err != nil {
		return nil, err
	}
	if err := v.Unlock(pw); err != nil {
		return nil, err
	}
	return v, nil
}

func mask(v string) string {
	if len(v) <= 8 {
		return strings.Repeat("*", len(v))
	}
	return v[:4] + strings.Repeat("*", len(v)-8) + v[len(v)-4:]
}

func newKeysListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Show which known keys are stored",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore(cmd, false)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, name := range copilot.KnownSecrets {
				state := "-"
				if v, err := store.Get(name); err == nil && v != "" {
					state = mask(v)
				}
				fmt.Fprintf(out, "%-26s %s\n", name, state)
			}
			return nil
		},
	}
}

func newKeysSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <name>",
		Short: "Store a key (the value is read without echo)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := strings.ToUpper(args[0])
			if !slices.Contains(copilot.KnownSecrets, name) {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s is not a name PocketClaw reads\n", name)
			}
			store, err := openStore(cmd, true)
			if err != nil {
				return err
			}
			value, err := copilot.ReadPassword(name + ": ")
			if err != nil {
				return err
			}
			if strings.TrimSpace(value) == "" {
				return errors.New("empty value, nothing stored")
			}
			if err := store.Set(name, strings.TrimSpace(value)); err != nil {
				return fmt.Errorf("storing %s: %w", name, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s stored.\n", name)
			return nil
		},
	}
}

func newKeysGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <name>",
		Short: "Print a stored key (masked unless --show)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd, false)
			if err != nil {
				return err
			}
			v, err := store.Get(strings.ToUpper(args[0]))
			if err != nil {
				return err
			}
			if show, _ := cmd.Flags().GetBool("show"); !show {
				v = mask(v)
			}
			fmt.Fprintln(cmd.OutOrStdout(), v)
			return nil
		},
	}
	cmd.Flags().Bool("show", false, "print the full value")
	return cmd
}

func newKeysDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <name>",
		Short: "Remove a stored key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := strings.ToUpper(args[0])
			if yes, _ := cmd.Flags().GetBool("yes"); !yes {
				confirmed := false
				err := huh.NewConfirm().
					Title(fmt.Sprintf("Delete %s?", name)).
					Affirmative("Delete").
					Negative("Keep").
					Value(&confirmed).
					Run()
				if err != nil {
					return err
				}
				if !confirmed {
					return nil
				}
			}

			store, err := openStore(cmd, false)
			if err != nil {
				return err
			}
			if err := store.Delete(name); err != nil {
				return fmt.Errorf("deleting %s: %w", name, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s deleted.\n", name)
			return nil
		},
	}
	cmd.Flags().BoolP("yes", "y", false, "skip the confirmation prompt")
	return cmd
}
