package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kirillkom/docsearch/internal/bootstrap"
	"github.com/kirillkom/docsearch/internal/config"
	"github.com/kirillkom/docsearch/internal/infrastructure/corpus/jsonfs"
)

var corpusCmd = &cobra.Command{
	Use:   "corpus",
	Short: "Move corpora between storage layouts",
}

var corpusExportCmd = &cobra.Command{
	Use:   "export <dir>",
	Short: "Write the configured corpus to a directory in the jsonfs layout",
	Long: `Loads the configured corpus (the built-in demo corpus unless --corpus-source
says otherwise) and writes manifest, chunks and embeddings files to <dir>.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg := currentConfig
		// The watcher only makes sense for serve.
		cfg.WatchCorpus = false
		app, err := bootstrap.New(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer app.Close()

		corpus, err := app.Source.Load(ctx)
		if err != nil {
			return err
		}
		if err := jsonfs.NewWriter(args[0]).Save(ctx, corpus); err != nil {
			return err
		}
		cmd.Printf("exported %d chunks to %s\n", len(corpus.Chunks), args[0])
		return nil
	},
}

var corpusImportCmd = &cobra.Command{
	Use:   "import <dir>",
	Short: "Copy a jsonfs corpus into postgres",
	Long: `Reads the jsonfs corpus in <dir> and replaces the corpus stored at POSTGRES_DSN.
When NATS_URL is set a rebuild request is published so running servers reload.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg := currentConfig
		cfg.CorpusSource = config.SourceJSONFS
		cfg.CorpusPath = args[0]
		cfg.WatchCorpus = false
		app, err := bootstrap.New(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer app.Close()

		corpus, err := app.Source.Load(ctx)
		if err != nil {
			return err
		}
		repo, err := app.OpenPostgres(ctx)
		if err != nil {
			return err
		}
		if err := repo.Save(ctx, corpus); err != nil {
			return fmt.Errorf("import corpus: %w", err)
		}
		cmd.Printf("imported %d chunks from %s\n", len(corpus.Chunks), args[0])

		if app.Bus != nil {
			if err := app.Bus.PublishRebuild(ctx, "import"); err != nil {
				return fmt.Errorf("publish rebuild: %w", err)
			}
			cmd.Println("rebuild requested")
		}
		return nil
	},
}

func init() {
	corpusCmd.AddCommand(corpusExportCmd)
	corpusCmd.AddCommand(corpusImportCmd)
	rootCmd.AddCommand(corpusCmd)
}
