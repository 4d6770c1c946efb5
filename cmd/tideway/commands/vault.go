package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

func newVaultCommand() *cobra.Command {
	var vaultLabel string

	cmd := &cobra.Command{
		Use:   "vault",
		Short: "Encrypt, decrypt, and view secret material",
		Long: `Manage vault-encrypted files and values. Encryption needs exactly one
identity selected with --label (plus --vault-id for its passphrase);
decryption tries every configured identity in order.`,
	}
	cmd.PersistentFlags().StringVar(&vaultLabel, "label", "default", "vault-id label to encrypt with")

	encryptCmd := &cobra.Command{
		Use:   "encrypt <file>...",
		Short: "Encrypt files in place",
		Example: `  tideway vault encrypt secrets.yml --vault-id default@~/.tideway/pass
  tideway vault encrypt prod.yml --label prod --vault-id prod@prompt`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := buildVault()
			if err != nil {
				return err
			}
			for _, path := range args {
				if err := v.EncryptFile(path, vaultLabel); err != nil {
					return fmt.Errorf("encrypting %s: %w", path, err)
				}
				fmt.Printf("encrypted %s\n", path)
			}
			return nil
		},
	}

	decryptCmd := &cobra.Command{
		Use:   "decrypt <file>...",
		Short: "Decrypt files in place",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := buildVault()
			if err != nil {
				return err
			}
			for _, path := range args {
				if err := v.DecryptFile(path); err != nil {
					return fmt.Errorf("decrypting %s: %w", path, err)
				}
				fmt.Printf("decrypted %s\n", path)
			}
			return nil
		},
	}

	viewCmd := &cobra.Command{
		Use:   "view <file>",
		Short: "Print a file's plaintext without modifying it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := buildVault()
			if err != nil {
				return err
			}
			plaintext, err := v.ViewFile(args[0])
			if err != nil {
				return err
			}
			os.Stdout.Write(plaintext)
			return nil
		},
	}

	encryptStringCmd := &cobra.Command{
		Use:   "encrypt-string <name> [value]",
		Short: "Encrypt a single value as an inline vault snippet",
		Long: `Encrypt one value and print a YAML snippet suitable for pasting into a
vars file. The value is read from the second argument, or from stdin when
omitted.`,
		Example: `  tideway vault encrypt-string db_password 's3cret' --vault-id default@prompt
  echo -n 's3cret' | tideway vault encrypt-string db_password`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := buildVault()
			if err != nil {
				return err
			}
			var value []byte
			if len(args) == 2 {
				value = []byte(args[1])
			} else {
				value, err = io.ReadAll(os.Stdin)
				if err != nil {
					return fmt.Errorf("reading value from stdin: %w", err)
				}
			}
			snippet, err := v.EncryptString(args[0], value, vaultLabel)
			if err != nil {
				return err
			}
			fmt.Print(snippet)
			return nil
		},
	}

	cmd.AddCommand(encryptCmd, decryptCmd, viewCmd, encryptStringCmd)
	return cmd
}
