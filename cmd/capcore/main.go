package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"capcore/internal/config"
	"capcore/internal/core"
	"capcore/internal/knowledge"
	"capcore/internal/logging"
	"capcore/internal/store"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

var (
	// Global flags
	verbose    bool
	configPath string
	workspace  string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "capcore",
	Short: "capcore - Capability Control Core",
	Long: `capcore is the safety kernel for an autonomous agent runtime.

Every privileged action an agent takes must hold a time-bounded capability
lease. Leases are granted only when the policy engine approves the request
class, and the emergency kill switch can revoke everything at once. Two
supervisory loops keep the system honest: a safety loop polling for
emergency-stop conditions and a sweep loop reaping expired leases.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// runCmd starts the control core and blocks until shutdown
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the capability control core",
	Long: `Starts the control core with its supervisory loops and blocks until
SIGINT/SIGTERM or an emergency stop. When the audit store is enabled,
lease deactivations and violations are persisted to SQLite. When rule
watching is enabled, the policy rules file is hot-reloaded on change.`,
	RunE: runCore,
}

// statusCmd prints a one-shot status snapshot
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print a one-shot system status snapshot as JSON",
	RunE:  printStatus,
}

// versionCmd prints the version
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the capcore version",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.DefaultConfig()
		fmt.Printf("%s %s\n", cfg.Name, cfg.Version)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose (debug) logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", filepath.Join(".capcore", "config.yaml"), "Path to config file")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", ".", "Workspace directory")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

// buildCore assembles the control core and its collaborators from config.
// Returns the core and the audit store (nil when disabled).
func buildCore(cfg *config.Config) (*core.ControlCore, *store.AuditStore, error) {
	cc := core.NewControlCore(core.ControlCoreConfig{
		MaxConcurrentLeases:  cfg.Core.MaxConcurrentLeases,
		DefaultLeaseDuration: cfg.GetDefaultLeaseDuration(),
		EmergencyTimeout:     cfg.GetEmergencyTimeout(),
		SafetyCheckInterval:  cfg.GetSafetyCheckInterval(),
		ExpirySweepInterval:  cfg.GetExpirySweepInterval(),
	})

	cc.SetKnowledge(knowledge.NewFusionEngine(knowledge.FusionConfig{
		SimilarityThreshold:   cfg.Knowledge.SimilarityThreshold,
		MaxConnectionsPerNode: cfg.Knowledge.MaxConnectionsPerNode,
	}))

	var auditStore *store.AuditStore
	if cfg.Store.Enabled {
		var err error
		auditStore, err = store.NewAuditStore(cfg.Store.DatabasePath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open audit store: %w", err)
		}
		cc.Leases().SetSink(auditStore)
		cc.Policies().SetSink(auditStore)
		cc.Switch().SetSink(auditStore)
	}

	return cc, auditStore, nil
}

func runCore(cmd *cobra.Command, args []string) error {
	if err := logging.Initialize(workspace); err != nil {
		logger.Warn("File logging unavailable", zap.Error(err))
	}
	defer logging.CloseAll()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	cc, auditStore, err := buildCore(cfg)
	if err != nil {
		return err
	}
	if auditStore != nil {
		defer auditStore.Close()
		logger.Info("Audit store enabled", zap.String("path", cfg.Store.DatabasePath))
	}

	if err := cc.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize control core: %w", err)
	}
	if err := cc.Start(); err != nil {
		return fmt.Errorf("failed to start control core: %w", err)
	}
	logger.Info("Control core running",
		zap.Int("max_leases", cfg.Core.MaxConcurrentLeases),
		zap.Duration("safety_interval", cfg.GetSafetyCheckInterval()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	var watcher *core.PolicyWatcher
	if cfg.Policy.WatchRules {
		watcher, err = core.NewPolicyWatcher(cfg.Policy.RulesPath, cc.Policies())
		if err != nil {
			logger.Warn("Policy rules watcher unavailable", zap.Error(err))
		} else if err := watcher.Start(ctx); err != nil {
			logger.Warn("Policy rules watcher failed to start", zap.Error(err))
			watcher = nil
		} else {
			logger.Info("Watching policy rules", zap.String("path", cfg.Policy.RulesPath))
		}
	}

	// Exit when signalled or when the core stops on its own (emergency stop)
	g.Go(func() error {
		ticker := time.NewTicker(cfg.GetSafetyCheckInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if !cc.IsRunning() {
					logger.Warn("Control core stopped; shutting down")
					return nil
				}
			}
		}
	})

	if err := g.Wait(); err != nil {
		logger.Error("Run loop error", zap.Error(err))
	}

	if watcher != nil {
		watcher.Stop()
	}

	if err := cc.Shutdown(); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	logger.Info("Control core shutdown complete")
	return nil
}

func printStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	cc, auditStore, err := buildCore(cfg)
	if err != nil {
		return err
	}
	if auditStore != nil {
		defer auditStore.Close()
	}

	if err := cc.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize control core: %w", err)
	}

	status := cc.GetSystemStatus()
	status["name"] = cfg.Name
	status["version"] = cfg.Version

	if auditStore != nil {
		audit := map[string]interface{}{}
		if n, err := auditStore.CountLeases(); err == nil {
			audit["lease_records"] = n
		}
		if n, err := auditStore.CountViolations(); err == nil {
			audit["violation_records"] = n
		}
		status["audit"] = audit
	}

	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}
	fmt.Println(string(data))

	return cc.Shutdown()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
