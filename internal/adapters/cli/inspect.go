package cli

import (
	"fmt"
	"io"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kirillkom/docsearch/internal/bootstrap"
	"github.com/kirillkom/docsearch/internal/core/domain"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Load the configured corpus and print a summary",
	Long: `Loads the configured corpus, builds a store from it exactly as serve would and
prints the manifest with chunk counts per category, technology and content type.
A non-zero exit means the corpus would not load at startup either.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		app, err := bootstrap.New(ctx, currentConfig, logger)
		if err != nil {
			return err
		}
		defer app.Close()

		corpus, err := app.Source.Load(ctx)
		if err != nil {
			return err
		}
		info, err := app.Index.Publish(corpus)
		if err != nil {
			return err
		}
		printSummary(cmd.OutOrStdout(), currentConfig.CorpusSource, corpus, info)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}

var (
	heading = color.New(color.FgCyan, color.Bold).SprintFunc()
	label   = color.New(color.FgYellow).SprintFunc()
	okMark  = color.New(color.FgGreen).SprintFunc()
)

func printSummary(w io.Writer, source string, corpus *domain.Corpus, info domain.StoreInfo) {
	m := corpus.Manifest
	fmt.Fprintf(w, "%s %s\n", heading("corpus"), okMark("ok"))
	fmt.Fprintf(w, "  %s %s\n", label("source:"), source)
	fmt.Fprintf(w, "  %s %s\n", label("schema:"), m.SchemaVersion)
	fmt.Fprintf(w, "  %s %s (dim %d)\n", label("model:"), info.EmbeddingModel, info.Dimension)
	fmt.Fprintf(w, "  %s %d\n", label("chunks:"), info.Chunks)
	if !m.BuiltAt.IsZero() {
		fmt.Fprintf(w, "  %s %s\n", label("built:"), m.BuiltAt.UTC().Format("2006-01-02 15:04:05Z"))
	}

	categories := map[string]int{}
	technologies := map[string]int{}
	types := map[string]int{}
	for _, c := range corpus.Chunks {
		categories[orNone(c.Metadata.Category)]++
		technologies[orNone(c.Metadata.Technology)]++
		types[orNone(string(c.Metadata.Type))]++
	}
	printCounts(w, "categories", categories)
	printCounts(w, "technologies", technologies)
	printCounts(w, "types", types)
}

// printCounts lists entries by descending count, then name.
func printCounts(w io.Writer, title string, counts map[string]int) {
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if counts[names[i]] != counts[names[j]] {
			return counts[names[i]] > counts[names[j]]
		}
		return names[i] < names[j]
	})

	fmt.Fprintf(w, "%s\n", heading(title))
	for _, name := range names {
		fmt.Fprintf(w, "  %-24s %d\n", name, counts[name])
	}
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
