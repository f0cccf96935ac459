// Package main is the entry point for the retrieval engine CLI.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kbforge/hybridretrieval/internal/config"
	"github.com/kbforge/hybridretrieval/internal/kb"
	"github.com/kbforge/hybridretrieval/internal/kb/seed"
	"github.com/kbforge/hybridretrieval/internal/observability"
)

var (
	// Version is set at build time.
	Version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "retrieve",
		Short: "Hybrid retrieval engine CLI",
		Long: `retrieve runs queries against a hybrid knowledge-base retrieval
engine that fuses lexical, semantic, and graph search over a closed set of
game entity categories (NPC, MAP, ITEM, MONSTER).`,
		Version: Version,
	}

	rootCmd.AddCommand(searchCmd())
	rootCmd.AddCommand(seedCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func searchCmd() *cobra.Command {
	var category string
	var limit int
	var jsonOutput bool
	var logLevel string

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Run one query through the retrieval engine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := args[0]

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			observability.SetupLogging(cfg.LogLevel, cfg.LogFormat, os.Stderr)

			if limit > 0 {
				cfg.Engine.Limit = limit
			}

			cat := kb.Category(category)
			if category != "" && !kb.IsValidCategory(cat) {
				return fmt.Errorf("invalid category %q: must be one of %v", category, kb.ValidCategories())
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			engine, err := kb.NewEngine(ctx, cfg)
			if err != nil {
				return fmt.Errorf("build engine: %w", err)
			}
			defer engine.Close()

			results, err := engine.Search(ctx, query, cat)
			if err != nil {
				return fmt.Errorf("search failed: %w", err)
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(results)
			}

			printResults(query, results)
			return nil
		},
	}

	cmd.Flags().StringVarP(&category, "category", "c", "", "restrict to one category: NPC, MAP, ITEM, MONSTER")
	cmd.Flags().IntVarP(&limit, "limit", "l", 0, "override the configured result limit")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output results as JSON")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "override the configured log level")

	return cmd
}

func seedCmd() *cobra.Command {
	var skipVectorStore bool
	var logLevel string

	cmd := &cobra.Command{
		Use:   "seed <fixture.json>",
		Short: "Load a JSON fixture of entities into the configured stores",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			observability.SetupLogging(cfg.LogLevel, cfg.LogFormat, os.Stderr)

			entities, err := seed.LoadFile(args[0])
			if err != nil {
				return fmt.Errorf("load fixture: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			engine, err := kb.NewEngine(ctx, cfg)
			if err != nil {
				return fmt.Errorf("build engine: %w", err)
			}
			defer engine.Close()

			vs, embed := engine.VS, engine.Embed
			if skipVectorStore {
				vs, embed = nil, nil
			}
			seeder := seed.NewSeeder(engine.KS, vs, embed, engine.GS)

			result, err := seeder.Run(ctx, entities)
			if err != nil {
				return fmt.Errorf("seed stores: %w", err)
			}

			fmt.Printf("keyword store upserts: %d\n", result.KeywordStoreUpserts)
			fmt.Printf("vector store points:   %d\n", result.VectorStorePoints)
			fmt.Printf("graph edges declared (not materialized): %d\n", result.GraphEdgesSkipped)
			return nil
		},
	}

	cmd.Flags().BoolVar(&skipVectorStore, "skip-vector-store", false, "skip embedding and vector store writes, keyword store only")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "override the configured log level")

	return cmd
}

func printResults(query string, results []kb.RetrievalResult) {
	fmt.Printf("query: %s\n", query)
	fmt.Printf("results: %d\n\n", len(results))
	for i, r := range results {
		fmt.Printf("%d. [%s] %s (score=%.4f, sources=%v)\n",
			i+1, r.Entity.Category, r.Entity.CanonicalName, r.FusedScore, r.Sources.Slice())
		if r.Entity.Description != "" {
			fmt.Printf("   %s\n", r.Entity.Description)
		}
	}
}
