// gensysd runs a single gensys cluster node: it joins (or forms) a cluster,
// hosts behaviors for remote spawn, and serves health and metrics endpoints.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	btclogv1 "github.com/btcsuite/btclog"
	"github.com/btcsuite/btclog/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/roasbeef/gensys/cluster"
	"github.com/roasbeef/gensys/distsup"
	"github.com/roasbeef/gensys/genserver"
	"github.com/roasbeef/gensys/internal/build"
	"github.com/roasbeef/gensys/supervisor"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newRootCmd builds the gensysd command tree.
func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "gensysd",
		Short: "gensys cluster node daemon",
		Long: "gensysd runs one node of a gensys cluster: an actor " +
			"runtime with supervision trees, a gossiped " +
			"membership layer, and cluster-wide child " +
			"coordination.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			return run(cmd.Context(), cfg)
		},
	}

	cmd.PersistentFlags().StringVarP(
		&configPath, "config", "c", "",
		"Path to the YAML config file",
	)

	cmd.AddCommand(newVersionCmd())

	return cmd
}

// newVersionCmd prints build information.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and build info",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Printf("gensysd %s (%s)\n",
				build.Version(), build.GoVersion)
		},
	}
}

// setupLogging wires the btclog handler set into every subsystem logger and
// returns a root logger plus a cleanup for the file rotator.
func setupLogging(cfg DaemonConfig) (btclog.Logger, func(), error) {
	handlers := []btclog.Handler{
		btclog.NewDefaultHandler(os.Stderr),
	}

	cleanup := func() {}
	if cfg.Log.Dir != "" {
		logFile, err := build.OpenLogFile(build.LogFileConfig{
			Dir:           cfg.Log.Dir,
			MaxFiles:      cfg.Log.MaxFiles,
			MaxFileSizeMB: cfg.Log.MaxFileSizeMB,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}

		handlers = append(
			handlers, btclog.NewDefaultHandler(logFile),
		)
		cleanup = func() { _ = logFile.Close() }
	}

	fanout := build.NewLogFanout(handlers...)

	level, ok := btclogv1.LevelFromString(cfg.Log.Level)
	if !ok {
		level = btclogv1.LevelInfo
	}
	fanout.SetLevel(level)

	rootLog := btclog.NewSLogger(fanout)

	genserver.UseLogger(rootLog.WithPrefix(genserver.Subsystem))
	supervisor.UseLogger(rootLog.WithPrefix(supervisor.Subsystem))
	cluster.UseLogger(rootLog.WithPrefix(cluster.Subsystem))
	distsup.UseLogger(rootLog.WithPrefix(distsup.Subsystem))

	return rootLog, cleanup, nil
}

// registerBuiltins installs the behaviors every gensysd node can host:
// a trivial echo responder and an in-memory kv store.
func registerBuiltins(node *cluster.Cluster) error {
	err := node.Behaviors().Register("echo",
		func(_ ...any) cluster.DynBehavior {
			return &cluster.FuncDynBehavior{
				OnCall: func(_ context.Context, msg any,
					state any) (any, any, error) {

					return msg, state, nil
				},
			}
		})
	if err != nil {
		return err
	}

	return node.Behaviors().Register("kv",
		func(_ ...any) cluster.DynBehavior {
			return &cluster.FuncDynBehavior{
				OnInit: func(_ context.Context) (any,
					error) {

					return map[string]any{}, nil
				},
				OnCall: func(_ context.Context, msg any,
					state any) (any, any, error) {

					store := state.(map[string]any)
					req, ok := msg.(map[string]any)
					if !ok {
						return nil, state, fmt.Errorf(
							"bad kv request %T",
							msg)
					}

					key, _ := req["key"].(string)
					switch req["op"] {
					case "get":
						return store[key], store, nil

					case "put":
						store[key] = req["value"]
						return true, store, nil

					case "del":
						delete(store, key)
						return true, store, nil

					default:
						return nil, store, fmt.Errorf(
							"unknown kv op %v",
							req["op"])
					}
				},
			}
		})
}

// run starts the node and blocks until a shutdown signal arrives.
func run(ctx context.Context, cfg DaemonConfig) error {
	rootLog, logCleanup, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer logCleanup()

	rootLog.InfoS(ctx, "Starting gensysd",
		"version", build.Version(),
		"go", build.GoVersion)

	node, err := cluster.New(cfg.clusterConfig())
	if err != nil {
		return err
	}

	if err := registerBuiltins(node); err != nil {
		return err
	}

	if err := node.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(
			context.Background(), 10*time.Second,
		)
		defer cancel()

		if err := node.Stop(stopCtx); err != nil {
			rootLog.ErrorS(stopCtx, "Node stop failed", err)
		}
	}()

	// Surface membership transitions in the daemon log.
	node.OnNodeUp(func(info cluster.NodeInfo) {
		rootLog.InfoS(ctx, "Peer joined",
			"node", info.ID.String())
	})
	node.OnNodeDown(func(event cluster.NodeDownEvent) {
		rootLog.InfoS(ctx, "Peer left",
			"node", event.Node.String(),
			"reason", event.Reason)
	})

	// Health and metrics endpoints.
	registry := prometheus.NewRegistry()
	for _, collector := range node.Metrics().Collectors() {
		if err := registry.Register(collector); err != nil {
			return err
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		registry, promhttp.HandlerOpts{},
	))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter,
		_ *http.Request) {

		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "ok %s peers=%d\n",
			node.LocalNode().ID, len(node.ConnectedPeers()))
	})

	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			rootLog.ErrorS(ctx, "HTTP server failed", err)
		}
	}()
	defer func() { _ = httpSrv.Close() }()

	rootLog.InfoS(ctx, "Node online",
		"node_id", node.LocalNode().ID.String(),
		"http", cfg.HTTP.Addr)

	// Block until interrupted.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		rootLog.InfoS(ctx, "Shutting down on signal",
			"signal", sig.String())

	case <-ctx.Done():
	}

	return nil
}
