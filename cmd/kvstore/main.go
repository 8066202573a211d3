package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/kvstore/internal/metrics"
	"github.com/cuemby/kvstore/pkg/log"
	"github.com/cuemby/kvstore/pkg/replicatedstore"
	"github.com/cuemby/kvstore/pkg/transport"
	"github.com/cuemby/kvstore/pkg/transport/rafttransport"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "kvstore",
	Short: "A local replicated key-value store engine",
	Long: `kvstore is an embedded, Raft-replicated key-value store engine
modeled on a primary/secondary replicated log: one primary accepts
writes, secondaries apply them in strict sequence order and can take
over a partition's primary role on failure.`,
	Version: Version,
}

// fileConfig is the shape of an optional --config YAML file. Flags
// passed on the command line always take precedence over it.
type fileConfig struct {
	ID            string `yaml:"id"`
	DataDir       string `yaml:"data_dir"`
	RaftBind      string `yaml:"raft_bind"`
	RaftBootstrap bool   `yaml:"raft_bootstrap"`
	Role          string `yaml:"role"`
	MetricsAddr   string `yaml:"metrics_addr"`
}

func loadFileConfig(path string) (fileConfig, error) {
	var fc fileConfig
	if path == "" {
		return fc, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fc, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fc, fmt.Errorf("parse config %s: %w", path, err)
	}
	return fc, nil
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("kvstore version %s\nCommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "", "Optional YAML config file; flags override its values")
	cobra.OnInitialize(initLogging)

	openCmd.Flags().String("id", "default", "replica instance id")
	openCmd.Flags().String("data-dir", "./data", "data directory")
	openCmd.Flags().String("raft-bind", "127.0.0.1:7070", "raft bind address")
	openCmd.Flags().Bool("raft-bootstrap", true, "bootstrap a single-node raft cluster")
	openCmd.Flags().String("role", "primary", "initial role: primary or secondary")
	openCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "debug HTTP address serving /metrics and /healthz")

	statusCmd.Flags().String("id", "default", "replica instance id")
	statusCmd.Flags().String("data-dir", "./data", "data directory")

	backupCmd.Flags().String("id", "default", "replica instance id")
	backupCmd.Flags().String("data-dir", "./data", "data directory")
	backupCmd.Flags().String("to", "", "destination directory for the backup (required)")
	_ = backupCmd.MarkFlagRequired("to")

	restoreCmd.Flags().String("id", "default", "replica instance id")
	restoreCmd.Flags().String("data-dir", "./data", "data directory")
	restoreCmd.Flags().String("from", "", "source backup directory (required)")
	_ = restoreCmd.MarkFlagRequired("from")

	putCmd.Flags().String("id", "default", "replica instance id")
	putCmd.Flags().String("data-dir", "./data", "data directory")
	putCmd.Flags().String("type", "default", "record type")

	rootCmd.AddCommand(openCmd)
	rootCmd.AddCommand(roleCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(putCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

var openCmd = &cobra.Command{
	Use:   "open",
	Short: "Open a replica instance and serve it until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := rootCmd.PersistentFlags().GetString("config")
		fc, err := loadFileConfig(configPath)
		if err != nil {
			return err
		}

		id := flagOrConfig(cmd, "id", fc.ID, "default")
		dataDir := flagOrConfig(cmd, "data-dir", fc.DataDir, "./data")
		raftBind := flagOrConfig(cmd, "raft-bind", fc.RaftBind, "127.0.0.1:7070")
		role := flagOrConfig(cmd, "role", fc.Role, "primary")
		metricsAddr := flagOrConfig(cmd, "metrics-addr", fc.MetricsAddr, "127.0.0.1:9090")
		raftBootstrap, _ := cmd.Flags().GetBool("raft-bootstrap")
		if !cmd.Flags().Changed("raft-bootstrap") && configPath != "" {
			raftBootstrap = fc.RaftBootstrap
		}

		metrics.SetVersion(Version)

		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}

		raftDir := dataDir + "/raft"
		if err := os.MkdirAll(raftDir, 0o755); err != nil {
			return fmt.Errorf("create raft dir: %w", err)
		}
		tp, err := rafttransport.New(rafttransport.Config{
			NodeID:       id,
			BindAddr:     raftBind,
			DataDir:      raftDir,
			Bootstrap:    raftBootstrap,
			ApplyTimeout: 5 * time.Second,
		})
		if err != nil {
			return fmt.Errorf("start raft transport: %w", err)
		}
		defer tp.Shutdown()

		store, err := openStore(id, dataDir, tp)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := applyRole(cmd.Context(), store, role); err != nil {
			return err
		}

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/healthz", metrics.HealthHandler())
		mux.Handle("/readyz", metrics.ReadyHandler())
		srv := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Warn("debug http server stopped: " + err.Error())
			}
		}()

		fmt.Printf("replica %q open as %s, data-dir=%s, metrics=http://%s/metrics\n", id, role, dataDir, metricsAddr)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	},
}

var roleCmd = &cobra.Command{
	Use:   "role",
	Short: "Print the replica role state machine's transition table",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("roles: Created -> Opened -> {PrimaryPassive, SecondaryActive} -> ... -> Closed")
		fmt.Println("see pkg/replicatedstore.StateMachine for the full transition table")
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Open a replica and print its current status",
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("id")
		dataDir, _ := cmd.Flags().GetString("data-dir")

		store, err := openStore(id, dataDir, transport.NewFake())
		if err != nil {
			return err
		}
		defer store.Close()

		status := store.Status()
		fmt.Printf("id:                %s\n", status.ID)
		fmt.Printf("role:              %s\n", status.Role)
		fmt.Printf("transaction count: %d\n", status.TransactionCount)
		fmt.Printf("data loss on open: %t\n", store.DataLossSinceOpen())
		return nil
	},
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Write a full backup of a replica's data directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("id")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		to, _ := cmd.Flags().GetString("to")

		store, err := openStore(id, dataDir, transport.NewFake())
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.Backup(to); err != nil {
			return fmt.Errorf("backup: %w", err)
		}
		fmt.Printf("backup of %q written to %s\n", id, to)
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore a replica's data directory from a prior backup",
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("id")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		from, _ := cmd.Flags().GetString("from")

		store, err := openStore(id, dataDir, transport.NewFake())
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.Restore(from); err != nil {
			return fmt.Errorf("restore: %w", err)
		}
		fmt.Printf("replica %q restored from %s\n", id, from)
		return nil
	},
}

var putCmd = &cobra.Command{
	Use:   "put <key> <value>",
	Short: "Write a single key through the replicated store's regular commit path",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("id")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		typ, _ := cmd.Flags().GetString("type")

		store, err := openStore(id, dataDir, transport.NewFake())
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.BecomePrimary(); err != nil {
			return fmt.Errorf("become primary: %w", err)
		}

		lsn, err := store.Put(cmd.Context(), typ, args[0], []byte(args[1]))
		if err != nil {
			return fmt.Errorf("put: %w", err)
		}
		fmt.Printf("wrote %s/%s at lsn %d\n", typ, args[0], lsn)
		return nil
	},
}

func applyRole(ctx context.Context, store *replicatedstore.Store, role string) error {
	switch role {
	case "primary":
		return store.BecomePrimary()
	case "secondary":
		return store.BecomeSecondary(ctx)
	default:
		return fmt.Errorf("unknown role %q: must be primary or secondary", role)
	}
}

func openStore(id, dataDir string, tp transport.Transport) (*replicatedstore.Store, error) {
	cfg := replicatedstore.DefaultConfig()
	return replicatedstore.Open(id, dataDir, tp, cfg)
}

// flagOrConfig returns the cobra flag's value if it was explicitly
// set on the command line, the config-file value if one was loaded
// and the flag wasn't, or the flag's default otherwise.
func flagOrConfig(cmd *cobra.Command, flag, fileValue, def string) string {
	v, _ := cmd.Flags().GetString(flag)
	if cmd.Flags().Changed(flag) {
		return v
	}
	if fileValue != "" {
		return fileValue
	}
	if v != "" {
		return v
	}
	return def
}
