// Package commands implements the tideway CLI.
package commands

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tideway/tideway/pkg/telemetry"
	"github.com/tideway/tideway/pkg/vault"
)

// Exit codes: 0 on success, 1 on usage or load errors, 2 when any host
// failed, was unreachable, or the run halted.
const (
	exitOK     = 0
	exitError  = 1
	exitFailed = 2
)

var (
	// Global flags
	verbose  bool
	logJSON  bool
	vaultIDs []string
)

// Execute runs the root command and returns the process exit code.
func Execute(ctx context.Context, version, commit, buildDate string) int {
	rootCmd := newRootCommand(version, commit, buildDate)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		var runFailed *runFailedError
		if errors.As(err, &runFailed) {
			return exitFailed
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		return exitError
	}
	return exitOK
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tideway",
		Short: "Tideway - agentless configuration orchestrator",
		Long: `Tideway pushes configuration to fleets of hosts over SSH, with no agent
on the managed side.

It reads a YAML inventory of hosts and nested groups, layers variables by
precedence, decrypts vaulted secrets in place, and runs playbooks of tasks
with conditionals, retries, blocks with rescue and always sections, and
change-triggered handlers.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "log in JSON instead of console format")
	rootCmd.PersistentFlags().StringSliceVar(&vaultIDs, "vault-id", nil,
		"vault identity as label@source; source is a passphrase file or 'prompt' (repeatable)")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newInventoryCommand())
	rootCmd.AddCommand(newVaultCommand())
	rootCmd.AddCommand(newFactsCommand())

	return rootCmd
}

// runFailedError signals a completed run with failed hosts, distinguishing
// the exit-2 path from load errors.
type runFailedError struct{}

func (e *runFailedError) Error() string { return "one or more hosts failed" }

func newLogger() (*telemetry.Logger, error) {
	cfg := telemetry.DefaultLoggingConfig()
	if verbose {
		cfg.Level = "debug"
	}
	if logJSON {
		cfg.Format = "json"
	}
	return telemetry.NewLogger(cfg)
}

// buildVault assembles the vault from every --vault-id flag. A bare source
// with no label gets the default identity label.
func buildVault() (*vault.Vault, error) {
	v := vault.New()
	for _, spec := range vaultIDs {
		label := "default"
		source := spec
		if idx := strings.Index(spec, "@"); idx >= 0 {
			label = spec[:idx]
			source = spec[idx+1:]
		}
		passphrase, err := readPassphrase(label, source)
		if err != nil {
			return nil, err
		}
		v.AddIdentity(vault.Identity{ID: label, Passphrase: passphrase})
	}
	return v, nil
}

func readPassphrase(label, source string) ([]byte, error) {
	if source == "prompt" {
		fmt.Fprintf(os.Stderr, "Vault passphrase (%s): ", label)
		passphrase, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("reading passphrase for %s: %w", label, err)
		}
		return passphrase, nil
	}
	data, err := os.ReadFile(source)
	if err != nil {
		return nil, fmt.Errorf("reading passphrase file for %s: %w", label, err)
	}
	return bytes.TrimRight(data, "\r\n"), nil
}
