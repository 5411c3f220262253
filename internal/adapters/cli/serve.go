package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	httpadapter "github.com/kirillkom/docsearch/internal/adapters/http"
	rpcadapter "github.com/kirillkom/docsearch/internal/adapters/rpc"
	"github.com/kirillkom/docsearch/internal/bootstrap"
)

const shutdownTimeout = 10 * time.Second

var (
	httpPort string
	rpcAddr  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve search over HTTP and TCP JSON-RPC",
	Long: `Loads the corpus and serves the REST API, POST /rpc and /metrics on the HTTP
port, plus newline-delimited JSON-RPC on the TCP address. Corpus file changes
and NATS rebuild requests reload the store while serving.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&httpPort, "http-port", "", "HTTP port (overrides HTTP_PORT)")
	serveCmd.Flags().StringVar(&rpcAddr, "rpc-addr", "", "TCP JSON-RPC address, \"off\" to disable (overrides RPC_ADDR)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg := currentConfig
	if httpPort != "" {
		cfg.HTTPPort = httpPort
	}
	if rpcAddr == "off" {
		cfg.RPCAddr = ""
	} else if rpcAddr != "" {
		cfg.RPCAddr = rpcAddr
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()
	info, err := app.Load(ctx)
	if err != nil {
		return err
	}
	logger.Info("corpus_loaded", "chunks", info.Chunks, "dimension", info.Dimension, "source", cfg.CorpusSource)

	dispatcher := newDispatcher(app)
	router := httpadapter.NewRouter(httpadapter.RouterConfig{
		Search:               app.Search,
		Rebuilder:            app.Rebuilder,
		AdminToken:           cfg.AdminAPIKey,
		Limiter:              app.Governor,
		RPC:                  dispatcher,
		Audit:                app.Audit,
		Metrics:              app.Metrics,
		Logger:               logger,
		MaxInFlight:          cfg.HTTPMaxInFlight,
		ExposeInternalErrors: !cfg.ProductionMode,
	})
	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http_listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if cfg.RPCAddr != "" {
		rpcServer := rpcadapter.NewServer(rpcadapter.ServerConfig{
			Dispatcher: dispatcher,
			Observer:   app.Metrics,
			Logger:     logger,
			MaxConns:   cfg.RPCMaxConns,
		})
		g.Go(func() error { return rpcServer.ListenAndServe(gctx, cfg.RPCAddr) })
	}
	g.Go(func() error { return app.RunTriggers(gctx) })

	err = g.Wait()
	logger.Info("shutdown_complete")
	return err
}

func newDispatcher(app *bootstrap.App) *rpcadapter.Dispatcher {
	return rpcadapter.NewDispatcher(rpcadapter.DispatcherConfig{
		Service:              app.Search,
		Audit:                app.Audit,
		Observer:             app.Metrics,
		Logger:               app.Logger,
		ExposeInternalErrors: !app.Config.ProductionMode,
		ServerName:           serviceName,
		ServerVersion:        version,
	})
}
