package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tideway/tideway/pkg/engine"
	"github.com/tideway/tideway/pkg/inventory"
	"github.com/tideway/tideway/pkg/playbook"
	"github.com/tideway/tideway/pkg/stores"
	"github.com/tideway/tideway/pkg/telemetry"
)

func newRunCommand() *cobra.Command {
	var (
		inventoryPath string
		limit         string
		tags          []string
		skipTags      []string
		check         bool
		extraVars     []string
		forks         int
		strictDup     bool
		eventsPath    string
		factCachePath string
		metricsListen string
	)

	cmd := &cobra.Command{
		Use:   "run <playbook>",
		Short: "Run a playbook against an inventory",
		Long: `Run every play in a playbook against the hosts its pattern selects.

Hosts advance through tasks in lock-step: a task completes on every
selected host (bounded by forks) before the next task starts anywhere.
Exit code is 2 when any host failed or was unreachable, or when a play
halted at its failure threshold.`,
		Example: `  # Run a playbook
  tideway run site.yml -i inventory.yml

  # Dry run restricted to one group, with secrets
  tideway run site.yml -i inventory.yml --check --limit webservers \
    --vault-id prod@~/.tideway/prod_pass

  # Override variables and emit a machine-readable event stream
  tideway run site.yml -i inventory.yml -e env=staging --events events.jsonl`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger()
			if err != nil {
				return err
			}
			v, err := buildVault()
			if err != nil {
				return err
			}

			inv, err := inventory.LoadFile(inventoryPath, inventory.LoadOptions{StrictDuplicates: strictDup})
			if err != nil {
				return fmt.Errorf("loading inventory: %w", err)
			}
			pb, err := playbook.LoadFile(args[0], v)
			if err != nil {
				return fmt.Errorf("loading playbook: %w", err)
			}

			extra, err := parseExtraVars(extraVars)
			if err != nil {
				return err
			}

			metricsCfg := telemetry.DefaultMetricsConfig()
			if metricsListen != "" {
				metricsCfg.Enabled = true
				metricsCfg.ListenAddr = metricsListen
			}
			metrics := telemetry.NewMetrics(metricsCfg)
			if metricsListen != "" {
				if err := metrics.Serve(); err != nil {
					return fmt.Errorf("starting metrics listener: %w", err)
				}
				defer metrics.Shutdown()
			}

			events := telemetry.NewEventPublisher(telemetry.DefaultEventsConfig())
			defer events.Close()
			if eventsPath != "" {
				f, err := os.Create(eventsPath)
				if err != nil {
					return fmt.Errorf("creating events file: %w", err)
				}
				defer f.Close()
				events.Subscribe(telemetry.NewJSONLinesSink(f))
			}

			opts := engine.Options{
				Check:     check,
				Limit:     limit,
				Tags:      tags,
				SkipTags:  skipTags,
				ExtraVars: extra,
				Forks:     forks,
			}

			var store *stores.SQLiteStore
			if factCachePath != "" {
				store, err = stores.Open(cmd.Context(), factCachePath)
				if err != nil {
					return fmt.Errorf("opening fact cache: %w", err)
				}
				defer store.Close()
				opts.FactStore = store
			}

			eng := engine.New(log, metrics, events, v, opts)
			report, err := eng.Run(cmd.Context(), pb, inv)
			if err != nil {
				return err
			}

			printRecap(report)

			if store != nil {
				status := "ok"
				if report.Failed() {
					status = "failed"
				}
				raw, _ := json.Marshal(report)
				rec := &stores.RunRecord{
					ID:        report.RunID,
					Playbook:  args[0],
					Status:    status,
					Report:    string(raw),
					StartedAt: report.Started,
					Duration:  report.Duration,
				}
				if err := store.RecordRun(cmd.Context(), rec); err != nil {
					log.WithError(err).Warn("recording run history failed")
				}
			}

			if report.Failed() {
				return &runFailedError{}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&inventoryPath, "inventory", "i", "", "inventory file")
	cmd.Flags().StringVar(&limit, "limit", "", "restrict plays to hosts matching this pattern")
	cmd.Flags().StringSliceVar(&tags, "tags", nil, "run only tasks tagged with one of these")
	cmd.Flags().StringSliceVar(&skipTags, "skip-tags", nil, "skip tasks tagged with one of these")
	cmd.Flags().BoolVar(&check, "check", false, "report what would change without changing anything")
	cmd.Flags().StringArrayVarP(&extraVars, "extra-vars", "e", nil, "highest-precedence variable as key=value, or @file.yml (repeatable)")
	cmd.Flags().IntVar(&forks, "forks", 0, "max hosts executing a task concurrently (default 5)")
	cmd.Flags().BoolVar(&strictDup, "strict-duplicates", false, "error on duplicate hosts with conflicting connection settings")
	cmd.Flags().StringVar(&eventsPath, "events", "", "write a JSON-lines event stream to this file")
	cmd.Flags().StringVar(&factCachePath, "fact-cache", "", "SQLite fact cache path; persists facts and run history")
	cmd.Flags().StringVar(&metricsListen, "metrics-listen", "", "serve Prometheus metrics on this address during the run")
	cmd.MarkFlagRequired("inventory")

	return cmd
}

// parseExtraVars handles key=value pairs and @file YAML references, later
// entries overriding earlier ones.
func parseExtraVars(specs []string) (map[string]interface{}, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	out := map[string]interface{}{}
	for _, spec := range specs {
		if strings.HasPrefix(spec, "@") {
			data, err := os.ReadFile(spec[1:])
			if err != nil {
				return nil, fmt.Errorf("reading extra-vars file: %w", err)
			}
			fileVars := map[string]interface{}{}
			if err := yaml.Unmarshal(data, &fileVars); err != nil {
				return nil, fmt.Errorf("parsing extra-vars file %s: %w", spec[1:], err)
			}
			for k, v := range fileVars {
				out[k] = v
			}
			continue
		}
		key, value, ok := strings.Cut(spec, "=")
		if !ok {
			return nil, fmt.Errorf("invalid extra-vars entry %q: want key=value or @file", spec)
		}
		var parsed interface{}
		if err := yaml.Unmarshal([]byte(value), &parsed); err != nil {
			parsed = value
		}
		out[key] = parsed
	}
	return out, nil
}

// printRecap writes the per-host summary table.
func printRecap(report *engine.Report) {
	okCol := color.New(color.FgGreen)
	changedCol := color.New(color.FgYellow)
	failedCol := color.New(color.FgRed)

	fmt.Println()
	fmt.Println("PLAY RECAP " + strings.Repeat("*", 60))
	for _, h := range report.Hosts {
		nameCol := okCol
		switch engine.HostStatus(h.Status) {
		case engine.StatusFailed, engine.StatusUnreachable, engine.StatusAborted:
			nameCol = failedCol
		default:
			if h.Changed > 0 {
				nameCol = changedCol
			}
		}
		fmt.Printf("%-28s : %s %s %s %s %s %s %s\n",
			nameCol.Sprint(h.Host),
			okCol.Sprintf("ok=%d", h.OK),
			changedCol.Sprintf("changed=%d", h.Changed),
			failedCol.Sprintf("failed=%d", h.Failed),
			failedCol.Sprintf("unreachable=%d", h.Unreachable),
			fmt.Sprintf("skipped=%d", h.Skipped),
			fmt.Sprintf("rescued=%d", h.Rescued),
			fmt.Sprintf("ignored=%d", h.Ignored),
		)
		if h.FailedTask != "" {
			failedCol.Printf("%-28s   failed at %q: %s\n", "", h.FailedTask, h.Failure)
		}
	}
	if report.Halted {
		failedCol.Println("run halted: failure threshold crossed")
	}
	fmt.Printf("\nrun %s finished in %s\n", report.RunID, report.Duration.Round(10*time.Millisecond))
}
