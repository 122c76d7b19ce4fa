package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensha/aafs/internal/catalog"
	"github.com/opensha/aafs/internal/config"
	"github.com/opensha/aafs/internal/engine"
	"github.com/opensha/aafs/internal/forecast"
	"github.com/opensha/aafs/internal/logging"
	"github.com/opensha/aafs/internal/metrics"
	"github.com/opensha/aafs/internal/pdl"
	"github.com/opensha/aafs/internal/relay"
	"github.com/opensha/aafs/internal/store"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions

	// SessionIDs generates the relay session id. If nil, defaults to
	// UUIDv7Generator.
	SessionIDs engine.IDGenerator

	// Clock overrides the dispatcher clock (for testing).
	Clock engine.Clock

	// Catalog overrides the configured catalog (for testing).
	Catalog catalog.Catalog
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return newRunCommand(&RunOptions{RootOptions: rootOpts})
}

func newRunCommand(opts *RunOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the forecast server",
		Long: `Start the aftershock forecast server.

The server opens the SQLite database (creating it if it doesn't exist),
serves the relay endpoint and /metrics on server.listen_addr, links to
server.partner_url when one is configured, and runs the task dispatcher
until a shutdown task completes or the process is interrupted.

Example:
  aafs run --config /etc/aafs/server1.yaml
  AAFS_RELAY_MODE=solo aafs run --db /tmp/aafs.db --verbose`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(opts, cmd)
		},
	}

	return cmd
}

func runServer(opts *RunOptions, cmd *cobra.Command) error {
	holder, err := config.NewHolder(opts.Config)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	cfg := holder.Current()

	logCfg := logging.Config{Format: cfg.Log.Format, Level: cfg.Log.Level}
	if opts.Verbose {
		logCfg.Level = "debug"
	}
	logging.Setup(logCfg, cmd.ErrOrStderr())
	log := logging.Component("server")

	dbPath := opts.Database
	if dbPath == "" {
		dbPath = cfg.Server.DBPath
	}
	log.Info("opening database", "path", dbPath)
	st, err := store.Open(dbPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	ledger := relay.NewLedger(st)
	var partner relay.Partner
	if cfg.Server.PartnerURL != "" {
		p, err := relay.NewHTTPPartner(cfg.Server.PartnerURL)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid partner url", err)
		}
		partner = p
	}
	ids := opts.SessionIDs
	if ids == nil {
		ids = engine.UUIDv7Generator{}
	}
	session := ids.Generate()
	link := relay.NewLink(relay.LinkConfig{
		ServerNumber:    cfg.Server.Number,
		SessionID:       session,
		SoftwareVersion: Version,
		Initial:         cfg.Relay.Initial(),
		Heartbeat:       cfg.Relay.Heartbeat,
		PartnerTimeout:  cfg.Relay.PartnerTimeout,
		ReconnectDelay:  cfg.Relay.ReconnectDelay,
		QueueCapacity:   cfg.Relay.QueueCapacity,
		Thread:          cfg.Relay.ThreadConfig(),
	}, ledger, partner)

	cat, err := openCatalog(opts, cfg)
	if err != nil {
		return err
	}

	var publisher pdl.Publisher
	if cfg.PDL.Enabled {
		key, err := pdl.LoadOrCreateKey(cfg.PDL.KeyPath)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load signing key", err)
		}
		bp, err := pdl.OpenBucketPublisher(ctx, cfg.PDL.BucketURL, cfg.PDL.Source, key)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open product bucket", err)
		}
		defer bp.Close()
		publisher = bp
	}

	m := metrics.New()
	dispatcherOpts := []engine.Option{engine.WithMetrics(m)}
	if opts.Clock != nil {
		dispatcherOpts = append(dispatcherOpts, engine.WithClock(opts.Clock))
	}
	d, err := engine.New(engine.Deps{
		Store:     st,
		Ledger:    ledger,
		Link:      link,
		Config:    holder,
		Catalog:   cat,
		Model:     forecast.NewSummaryModel(),
		Publisher: publisher,
	}, dispatcherOpts...)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create dispatcher", err)
	}

	ln, err := net.Listen("tcp", cfg.Server.ListenAddr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	srv := &http.Server{
		Handler:           relay.NewRouter(ledger, m.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("relay endpoint stopped", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("relay endpoint shutdown", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			log.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	log.Info("server starting",
		"server", cfg.Server.Number,
		"session", session,
		"relay", cfg.Relay.Initial().String(),
		"listen", ln.Addr().String(),
		"pdl", cfg.PDL.Enabled,
	)
	fmt.Fprintf(cmd.OutOrStdout(), "Server %d started. Relay endpoint on %s.\n", cfg.Server.Number, ln.Addr())
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")

	if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "dispatcher error", err)
	}

	log.Info("server stopped gracefully")
	return nil
}

// openCatalog returns the rate-limited event catalog. Without a catalog
// file the server starts with an empty catalog.
func openCatalog(opts *RunOptions, cfg *config.Config) (catalog.Catalog, error) {
	var cat catalog.Catalog
	switch {
	case opts.Catalog != nil:
		cat = opts.Catalog
	case cfg.Catalog.File != "":
		s, err := catalog.LoadStatic(cfg.Catalog.File)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to load catalog", err)
		}
		cat = s
	default:
		slog.Warn("no catalog file configured, polling an empty catalog")
		cat = catalog.NewStatic()
	}
	return catalog.NewLimited(cat, cfg.Catalog.RequestsPerSecond, cfg.Catalog.Burst), nil
}
