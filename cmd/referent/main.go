// Command referent is the operational CLI for the Referent memory core:
// schema migration, consolidation passes, conflict inspection, and decay
// reporting against a configured store.
package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/scrypster/referent/internal/config"
	"github.com/scrypster/referent/internal/engine"
	"github.com/scrypster/referent/internal/storage"
	"github.com/scrypster/referent/internal/storage/postgres"
	"github.com/scrypster/referent/internal/storage/sqlite"
)

var (
	configPath string
	engineName string
	dsn        string
)

func main() {
	root := &cobra.Command{
		Use:           "referent",
		Short:         "Entity resolution and memory engine operations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	root.PersistentFlags().StringVar(&engineName, "engine", "", "storage engine override (sqlite or postgres)")
	root.PersistentFlags().StringVar(&dsn, "dsn", "", "storage DSN override")

	root.AddCommand(migrateCmd(), statsCmd(), consolidateCmd(), conflictsCmd(), decayReportCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "referent:", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if engineName != "" {
		cfg.Storage.Engine = engineName
	}
	if dsn != "" {
		cfg.Storage.DSN = dsn
	}
	return cfg, cfg.Validate()
}

// openStore opens the configured backend. Both constructors apply the
// schema, so migrate is implicit on open.
func openStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Engine {
	case "postgres":
		return postgres.NewStore(cfg.Storage.DSN)
	default:
		return sqlite.NewStore(cfg.Storage.DSN)
	}
}

func newLogger() (*zap.Logger, error) {
	return zap.NewProduction()
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the storage schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			fmt.Printf("schema ready (%s)\n", cfg.Storage.Engine)
			return nil
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print record counts for the configured store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			stats, err := store.Stats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("entities:          %d (%d inactive)\n", stats.Entities, stats.InactiveEntities)
			fmt.Printf("aliases:           %d\n", stats.Aliases)
			fmt.Printf("episodic memories: %d\n", stats.EpisodicMemories)
			fmt.Printf("semantic facts:    %d (%d live)\n", stats.SemanticFacts, stats.LiveFacts)
			fmt.Printf("summaries:         %d\n", stats.Summaries)
			fmt.Printf("open conflicts:    %d\n", stats.OpenConflicts)
			return nil
		},
	}
}

func consolidateCmd() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "consolidate [entity-id...]",
		Short: "Run a consolidation pass, or consolidate specific entities",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()

			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			consolidator := engine.NewConsolidator(store, nil, nil, cfg.Consolidation, logger)

			if len(args) > 0 {
				for _, id := range args {
					summary, err := consolidator.ConsolidateEntity(cmd.Context(), id)
					if err != nil {
						if errors.Is(err, engine.ErrNothingToConsolidate) {
							fmt.Printf("%s: nothing to consolidate\n", id)
							continue
						}
						return fmt.Errorf("consolidate %s: %w", id, err)
					}
					fmt.Printf("%s: summary %s (%d facts)\n", id, summary.ID, len(summary.StructuredFacts))
				}
				return nil
			}

			if watch {
				ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
				defer stop()
				logger.Info("consolidation loop started", zap.Duration("interval", cfg.Consolidation.Interval))
				consolidator.Run(ctx)
				return nil
			}

			n, err := consolidator.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("consolidated %d entities\n", n)
			return nil
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "keep running on the configured interval until interrupted")
	return cmd
}

func conflictsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "conflicts",
		Short: "List open conflicts awaiting resolution",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			open, err := store.ListOpenConflicts(cmd.Context())
			if err != nil {
				return err
			}
			if len(open) == 0 {
				fmt.Println("no open conflicts")
				return nil
			}
			for _, c := range open {
				age := time.Since(c.CreatedAt).Round(time.Minute)
				fmt.Printf("%s  %s/%s  %d facts  open for %s\n",
					c.ID, c.SubjectEntity, c.Predicate, len(c.FactIDs), age)
			}
			return nil
		},
	}
}

func decayReportCmd() *cobra.Command {
	var scopePrefix string
	var limit int
	cmd := &cobra.Command{
		Use:   "decay-report",
		Short: "Report effective alias confidence and revalidation candidates",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			aliases, err := store.ListAliasesByScopePrefix(cmd.Context(), scopePrefix)
			if err != nil {
				return err
			}

			decay := engine.NewDecayCalculator(cfg.Decay)
			now := time.Now().UTC()

			type row struct {
				alias     string
				scope     string
				entity    string
				stored    float64
				effective float64
				stale     bool
			}
			rows := make([]row, 0, len(aliases))
			for i := range aliases {
				a := &aliases[i]
				eff := decay.AliasConfidence(a, now)
				rows = append(rows, row{
					alias:     a.AliasText,
					scope:     string(a.Scope),
					entity:    a.EntityID,
					stored:    a.Confidence,
					effective: eff,
					stale:     decay.NeedsRevalidation(eff, a.LastUsedAt, now),
				})
			}
			sort.Slice(rows, func(i, j int) bool { return rows[i].effective < rows[j].effective })
			if limit > 0 && len(rows) > limit {
				rows = rows[:limit]
			}

			stale := 0
			for _, r := range rows {
				flag := " "
				if r.stale {
					flag = "!"
					stale++
				}
				fmt.Printf("%s %-30s %-20s %s  stored=%.2f effective=%.2f\n",
					flag, r.alias, r.scope, r.entity, r.stored, r.effective)
			}
			fmt.Printf("\n%d aliases, %d flagged for revalidation\n", len(rows), stale)
			return nil
		},
	}
	cmd.Flags().StringVar(&scopePrefix, "scope", "", "scope prefix filter (e.g. user: or global)")
	cmd.Flags().IntVar(&limit, "limit", 0, "show only the N lowest-confidence aliases")
	return cmd
}
