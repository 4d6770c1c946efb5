package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tideway/tideway/pkg/stores"
)

func newFactsCommand() *cobra.Command {
	var factCachePath string

	cmd := &cobra.Command{
		Use:   "facts",
		Short: "Inspect the persisted fact cache",
	}
	cmd.PersistentFlags().StringVar(&factCachePath, "fact-cache", "", "SQLite fact cache path")
	cmd.MarkPersistentFlagRequired("fact-cache")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List hosts with cached facts",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := stores.Open(cmd.Context(), factCachePath)
			if err != nil {
				return err
			}
			defer store.Close()
			hosts, err := store.Hosts(cmd.Context())
			if err != nil {
				return err
			}
			for _, h := range hosts {
				fmt.Println(h)
			}
			return nil
		},
	}

	showCmd := &cobra.Command{
		Use:   "show <host>",
		Short: "Print a host's cached facts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := stores.Open(cmd.Context(), factCachePath)
			if err != nil {
				return err
			}
			defer store.Close()
			facts, err := store.Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if facts == nil {
				return fmt.Errorf("no cached facts for %q", args[0])
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(facts)
		},
	}

	forgetCmd := &cobra.Command{
		Use:   "forget <host>",
		Short: "Delete a host's cached facts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := stores.Open(cmd.Context(), factCachePath)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Forget(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("forgot facts for %s\n", args[0])
			return nil
		},
	}

	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent run history",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := stores.Open(cmd.Context(), factCachePath)
			if err != nil {
				return err
			}
			defer store.Close()
			runs, err := store.ListRuns(cmd.Context(), 20)
			if err != nil {
				return err
			}
			for _, r := range runs {
				fmt.Printf("%s  %-8s %-30s %s (%s)\n",
					r.StartedAt.Format("2006-01-02 15:04:05"), r.Status, r.Playbook, r.ID, r.Duration)
			}
			return nil
		},
	}

	cmd.AddCommand(listCmd, showCmd, forgetCmd, runsCmd)
	return cmd
}
