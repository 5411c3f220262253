package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	mcpadapter "github.com/kirillkom/docsearch/internal/adapters/mcp"
	rpcadapter "github.com/kirillkom/docsearch/internal/adapters/rpc"
	"github.com/kirillkom/docsearch/internal/bootstrap"
)

const stdioClientID = "stdio"

var stdioCmd = &cobra.Command{
	Use:   "stdio",
	Short: "Serve JSON-RPC on stdin/stdout",
	Long: `Reads one JSON-RPC 2.0 message per line from stdin and writes one response per
line to stdout. Requests are answered in order. Logs go to stderr.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		app, err := loadApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		server := rpcadapter.NewServer(rpcadapter.ServerConfig{
			Dispatcher: newDispatcher(app),
			Observer:   app.Metrics,
			Logger:     logger,
		})
		return server.ServeConn(ctx, rpcadapter.TransportStdio, stdioClientID, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the search tools as an MCP stdio server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		app, err := loadApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		server := mcpadapter.New(mcpadapter.Config{
			Service: app.Search,
			Audit:   app.Audit,
			Logger:  logger,
			Name:    serviceName,
			Version: version,
		})
		return server.Serve(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(stdioCmd)
	rootCmd.AddCommand(mcpCmd)
}

// loadApp wires the application and builds the first store. The caller owns Close.
func loadApp(cmd *cobra.Command) (*bootstrap.App, error) {
	app, err := bootstrap.New(cmd.Context(), currentConfig, logger)
	if err != nil {
		return nil, err
	}
	if _, err := app.Load(cmd.Context()); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}
