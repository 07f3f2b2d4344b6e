package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/haven-hvn/vidcache/internal/exportimport"
	"github.com/haven-hvn/vidcache/internal/scheduler"
	"github.com/haven-hvn/vidcache/internal/telemetry"
	"github.com/haven-hvn/vidcache/pkg/remote"
	"github.com/haven-hvn/vidcache/pkg/vidcache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	dataDir    string
	owner      string
	remoteURL  string
	logLevel   string
	prettyLogs bool
)

func main() {
	root := &cobra.Command{
		Use:           "vidcached",
		Short:         "Client-side video cache and reconciliation daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			telemetry.InitLogging(telemetry.LogConfig{Level: logLevel, Pretty: prettyLogs})
		},
	}
	root.PersistentFlags().StringVar(&dataDir, "data", defaultDataDir(), "data directory for the metadata store, content cache, and scheduler bookkeeping")
	root.PersistentFlags().StringVar(&owner, "owner", "", "owner identity this invocation operates on (required)")
	root.PersistentFlags().StringVar(&remoteURL, "remote", "", "base URL of an HTTP entity directory to sync against")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	root.PersistentFlags().BoolVar(&prettyLogs, "pretty", false, "human-readable console logs instead of JSON")

	root.AddCommand(syncCmd(), statsCmd(), exportCmd(), importCmd(), serveCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".vidcached"
	}
	return home + "/.vidcached"
}

func requireOwner() error {
	if owner == "" {
		return fmt.Errorf("--owner is required")
	}
	return nil
}

func openEngine(cfg vidcache.Config) (*vidcache.Engine, error) {
	cfg.Owner = owner
	if cfg.DataDir == "" {
		cfg.DataDir = dataDir
	}
	return vidcache.New(cfg)
}

func syncCmd() *cobra.Command {
	var decryptPassphrase bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one reconciliation pass against the configured remote",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireOwner(); err != nil {
				return err
			}
			if remoteURL == "" {
				return fmt.Errorf("--remote is required for sync")
			}

			var decryptor remote.Decryptor
			if decryptPassphrase {
				passphrase, err := promptPassphrase()
				if err != nil {
					return err
				}
				decryptor = remote.NewPassphraseDecryptor(passphrase)
			}

			e, err := openEngine(vidcache.Config{
				EntityClient:   newHTTPEntityClient(remoteURL),
				ContentFetcher: newHTTPContentFetcher(),
				Decryptor:      decryptor,
			})
			if err != nil {
				return err
			}
			defer e.Close()

			result, err := e.SyncOnce(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}
	cmd.Flags().BoolVar(&decryptPassphrase, "decrypt", false, "prompt for a passphrase and configure the engine's decryptor (sync itself fetches no content)")
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print the owner's current store summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireOwner(); err != nil {
				return err
			}
			e, err := openEngine(vidcache.Config{})
			if err != nil {
				return err
			}
			defer e.Close()

			stats, err := e.Stats()
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(stats)
		},
	}
}

func exportCmd() *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the owner's library to a versioned, checksummed bundle",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireOwner(); err != nil {
				return err
			}
			e, err := openEngine(vidcache.Config{})
			if err != nil {
				return err
			}
			defer e.Close()

			bundle, err := e.Export()
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(bundle, "", "  ")
			if err != nil {
				return err
			}
			if outPath == "" {
				outPath = exportimport.Filename(owner, time.Now())
			}
			return os.WriteFile(outPath, data, 0o600)
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", "output file path (default: library-{first 8 chars of lowercased owner}-{date}.json)")
	return cmd
}

func importCmd() *cobra.Command {
	var inPath string
	var preferImport bool
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a previously exported bundle into the owner's library",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireOwner(); err != nil {
				return err
			}
			if inPath == "" {
				return fmt.Errorf("--in is required")
			}
			data, err := os.ReadFile(inPath)
			if err != nil {
				return err
			}

			e, err := openEngine(vidcache.Config{})
			if err != nil {
				return err
			}
			defer e.Close()

			strategy := exportimport.SkipExisting
			if preferImport {
				strategy = exportimport.PreferImport
			}
			result := e.Import(data, exportimport.ImportOptions{MergeStrategy: strategy})
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(result); err != nil {
				return err
			}
			if !result.Success {
				return fmt.Errorf("import failed: %s", result.Message)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&inPath, "in", "", "input bundle file path")
	cmd.Flags().BoolVar(&preferImport, "prefer-import", false, "imported records win over existing ones on id collision")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve cached content and run the gated background scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireOwner(); err != nil {
				return err
			}

			var client remote.EntityClient
			var fetcher remote.ContentFetcher
			if remoteURL != "" {
				client = newHTTPEntityClient(remoteURL)
				fetcher = newHTTPContentFetcher()
			}

			e, err := openEngine(vidcache.Config{
				EntityClient:    client,
				ContentFetcher:  fetcher,
				SchedulerConfig: scheduler.DefaultConfig(),
				Gate:            alwaysOnGate{},
			})
			if err != nil {
				return err
			}
			defer e.Close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			if client != nil {
				e.StartScheduler(ctx)
			}

			registry := prometheus.NewRegistry()
			telemetry.MustRegister(registry)

			mux := http.NewServeMux()
			mux.Handle("/v/", e.Handler())
			mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
			srv := &http.Server{Addr: addr, Handler: mux}

			go func() {
				log.Info().Str("addr", addr).Msg("serving cached content")
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Error().Err(err).Msg("server stopped unexpectedly")
				}
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			log.Info().Msg("shutting down")
			e.StopScheduler()
			return srv.Shutdown(context.Background())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8089", "listen address for the content handler")
	return cmd
}

// alwaysOnGate is the headless-deployment default: always visible, always
// online, since a server process has no tab-visibility or network-status
// concept of its own.
type alwaysOnGate struct{}

func (alwaysOnGate) Visible() bool { return true }
func (alwaysOnGate) Online() bool  { return true }

func promptPassphrase() (string, error) {
	fmt.Fprint(os.Stderr, "Passphrase: ")
	data, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
