package commands

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/tideway/tideway/pkg/engine"
	"github.com/tideway/tideway/pkg/executor"
	"github.com/tideway/tideway/pkg/inventory"
	"github.com/tideway/tideway/pkg/playbook"
)

func newValidateCommand() *cobra.Command {
	var (
		inventoryPath string
		strictDup     bool
	)

	cmd := &cobra.Command{
		Use:   "validate <playbook>",
		Short: "Check a playbook (and optionally an inventory) without running it",
		Long: `Parse and validate a playbook: action names must be known, notify targets
must name defined handlers, until requires a retry budget, and every play
needs a host pattern. With --inventory the inventory is loaded too and each
play's pattern is resolved against it.`,
		Example: `  tideway validate site.yml
  tideway validate site.yml -i inventory.yml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := buildVault()
			if err != nil {
				return err
			}
			pb, err := playbook.LoadFile(args[0], v)
			if err != nil {
				return fmt.Errorf("playbook invalid: %w", err)
			}
			if err := checkActions(pb); err != nil {
				return fmt.Errorf("playbook invalid: %w", err)
			}

			if inventoryPath != "" {
				inv, err := inventory.LoadFile(inventoryPath, inventory.LoadOptions{StrictDuplicates: strictDup})
				if err != nil {
					return fmt.Errorf("inventory invalid: %w", err)
				}
				for _, play := range pb.Plays {
					hosts, err := inv.ResolvePattern(play.Hosts)
					if err != nil {
						return fmt.Errorf("play %q: %w", play.DisplayName(), err)
					}
					fmt.Printf("play %q: pattern %q selects %d hosts\n",
						play.DisplayName(), play.Hosts, len(hosts))
				}
			}

			color.Green("%s: %d plays, valid", args[0], len(pb.Plays))
			return nil
		},
	}

	cmd.Flags().StringVarP(&inventoryPath, "inventory", "i", "", "inventory file to resolve play patterns against")
	cmd.Flags().BoolVar(&strictDup, "strict-duplicates", false, "error on duplicate hosts with conflicting connection settings")

	return cmd
}

// checkActions verifies every task and handler names an implemented action.
// The loader cannot do this itself without depending on the executor.
func checkActions(pb *playbook.Playbook) error {
	known := func(action string) bool {
		return executor.KnownAction(action) || action == engine.FlushHandlersAction
	}
	var checkNodes func(play *playbook.Play, nodes []*playbook.Node) error
	checkNodes = func(play *playbook.Play, nodes []*playbook.Node) error {
		for _, n := range nodes {
			switch {
			case n.Task != nil:
				if !known(n.Task.Action) {
					return fmt.Errorf("play %q: task %q: unknown action %q",
						play.DisplayName(), n.Task.DisplayName(), n.Task.Action)
				}
			case n.Block != nil:
				for _, section := range [][]*playbook.Node{n.Block.Body, n.Block.Rescue, n.Block.Always} {
					if err := checkNodes(play, section); err != nil {
						return err
					}
				}
			}
		}
		return nil
	}
	for _, play := range pb.Plays {
		for _, section := range [][]*playbook.Node{play.PreTasks, play.Tasks, play.PostTasks} {
			if err := checkNodes(play, section); err != nil {
				return err
			}
		}
		for _, h := range play.Handlers {
			if !known(h.Action) {
				return fmt.Errorf("play %q: handler %q: unknown action %q",
					play.DisplayName(), h.DisplayName(), h.Action)
			}
		}
	}
	return nil
}
