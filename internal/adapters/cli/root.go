package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/kirillkom/docsearch/internal/config"
	"github.com/kirillkom/docsearch/internal/observability/logging"
)

const serviceName = "docsearch"

var version = "1.0.0"

var (
	envFile      string
	logLevel     string
	corpusSource string
	corpusPath   string

	currentConfig config.Config
	logger        *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "docsearch",
	Short: "Semantic search over technical documentation",
	Long: `docsearch loads a pre-embedded documentation corpus into memory and answers
similarity queries over JSON-RPC, MCP and HTTP.

Settings come from the environment (optionally a .env file); flags override them.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if err := config.LoadDotEnv(envFile); err != nil {
			return err
		}
		cfg := config.Load()
		flags := cmd.Flags()
		if flags.Changed("log-level") {
			cfg.LogLevel = logLevel
		}
		if flags.Changed("corpus-source") {
			cfg.CorpusSource = corpusSource
		}
		if flags.Changed("corpus-path") {
			cfg.CorpusPath = corpusPath
		}
		currentConfig = cfg
		// stdout belongs to the protocol on the stdio transports, so logs always go to stderr.
		logger = logging.NewJSONLogger(cmd.ErrOrStderr(), serviceName, cfg.LogLevel)
		slog.SetDefault(logger)
		return nil
	},
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file read before the environment")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&corpusSource, "corpus-source", config.SourceDemo, "corpus source: jsonfs, postgres, qdrant, demo")
	rootCmd.PersistentFlags().StringVar(&corpusPath, "corpus-path", "./data/vector_db", "jsonfs corpus directory")

	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.Printf("docsearch version %s\n", version)
	},
}
