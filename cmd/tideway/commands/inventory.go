package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tideway/tideway/pkg/inventory"
)

func newInventoryCommand() *cobra.Command {
	var (
		inventoryPath string
		strictDup     bool
	)

	cmd := &cobra.Command{
		Use:   "inventory",
		Short: "Inspect an inventory",
	}
	cmd.PersistentFlags().StringVarP(&inventoryPath, "inventory", "i", "", "inventory file")
	cmd.PersistentFlags().BoolVar(&strictDup, "strict-duplicates", false, "error on duplicate hosts with conflicting connection settings")
	cmd.MarkPersistentFlagRequired("inventory")

	load := func() (*inventory.Inventory, error) {
		return inventory.LoadFile(inventoryPath, inventory.LoadOptions{StrictDuplicates: strictDup})
	}

	listCmd := &cobra.Command{
		Use:   "list [pattern]",
		Short: "List hosts matching a pattern",
		Long: `Resolve a host pattern against the inventory and print the matching host
names in inventory order. Patterns combine group names and wildcards with
':' (union), ':&' (intersection), and ':!' (exclusion). The default pattern
is "all".`,
		Example: `  tideway inventory list -i inventory.yml
  tideway inventory list -i inventory.yml 'webservers:&production:!web03'`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inv, err := load()
			if err != nil {
				return err
			}
			pattern := "all"
			if len(args) == 1 {
				pattern = args[0]
			}
			hosts, err := inv.ResolvePattern(pattern)
			if err != nil {
				return err
			}
			for _, h := range hosts {
				fmt.Println(h.Name)
			}
			return nil
		},
	}

	varsCmd := &cobra.Command{
		Use:   "vars <host>",
		Short: "Show a host's effective inventory variables",
		Long: `Print the host's effective variables after group layering: ancestor group
variables lowest, then nearer groups, then the host's own variables.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inv, err := load()
			if err != nil {
				return err
			}
			host := inv.Host(args[0])
			if host == nil {
				return fmt.Errorf("host %q not in inventory", args[0])
			}
			effective := inv.GroupVars(host)
			for k, v := range host.Vars {
				effective[k] = v
			}
			out, err := yaml.Marshal(effective)
			if err != nil {
				return err
			}
			os.Stdout.Write(out)
			return nil
		},
	}

	graphCmd := &cobra.Command{
		Use:   "graph",
		Short: "Dump the group structure as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			inv, err := load()
			if err != nil {
				return err
			}
			graph := map[string]interface{}{}
			for _, name := range inv.GroupNames() {
				g := inv.Group(name)
				hosts, err := inv.ResolvePattern(name)
				if err != nil {
					return err
				}
				names := make([]string, len(hosts))
				for i, h := range hosts {
					names[i] = h.Name
				}
				graph[name] = map[string]interface{}{
					"hosts":        names,
					"direct_hosts": g.Hosts,
				}
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(graph)
		},
	}

	cmd.AddCommand(listCmd, varsCmd, graphCmd)
	return cmd
}
