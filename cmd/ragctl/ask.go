package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"gopherrag/internal/app"
	"gopherrag/internal/bootstrap"
	"gopherrag/internal/config"
	"gopherrag/internal/pkg/jwtutil"
)

var (
	askMode      string
	askTopK      int
	showSources  bool
	retrieveJSON bool
	tokenSubject string
	tokenTTL     time.Duration
)

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Answer a question from the indexed documents, streaming to stdout",
	Args:  cobra.ExactArgs(1),
	RunE:  runAsk,
}

var retrieveCmd = &cobra.Command{
	Use:   "retrieve <query>",
	Short: "Show the chunks a question would be answered from",
	Args:  cobra.ExactArgs(1),
	RunE:  runRetrieve,
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a bearer token for the HTTP API",
	Args:  cobra.NoArgs,
	RunE:  runToken,
}

func init() {
	askCmd.Flags().StringVar(&askMode, "mode", "", "conversation mode: qa, chat or summarize")
	askCmd.Flags().IntVarP(&askTopK, "top-k", "k", 0, "number of chunks to retrieve")
	askCmd.Flags().BoolVar(&showSources, "sources", false, "list the sources after the answer")
	retrieveCmd.Flags().IntVarP(&askTopK, "top-k", "k", 0, "number of chunks to retrieve")
	retrieveCmd.Flags().BoolVar(&retrieveJSON, "json", false, "output results as JSON")
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "ragctl", "token subject")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
	rootCmd.AddCommand(askCmd, retrieveCmd, tokenCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *bootstrap.App) error {
		sess, events, err := a.Generation.Stream(ctx, app.ChatRequest{
			Question: args[0],
			Mode:     askMode,
			TopK:     askTopK,
		})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		var final error
		for ev := range events {
			switch ev.Type {
			case app.EventFragment:
				fmt.Fprint(out, ev.Text)
			case app.EventError, app.EventCancelled:
				final = ev.Err
			}
		}
		fmt.Fprintln(out)

		if showSources {
			for i, src := range sess.Sources {
				fmt.Fprintf(out, "[Source %d] %s #%d (distance %.4f)\n", i+1, src.Filename, src.ChunkIndex, src.Distance)
			}
		}
		return final
	})
}

func runRetrieve(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *bootstrap.App) error {
		entries := a.Retrieval.Retrieve(ctx, args[0], askTopK)
		if retrieveJSON {
			return printJSON(cmd, entries)
		}
		if len(entries) == 0 {
			cmd.Println("No results found.")
			return nil
		}
		for i, e := range entries {
			cmd.Printf("[%d] %s #%d  %.4f\n%s\n\n", i+1, e.Filename, e.ChunkIndex, e.Distance, e.Text)
		}
		return nil
	})
}

func runToken(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	token, err := jwtutil.GenerateToken(cfg.Auth.JWTSecret, tokenSubject, "", tokenTTL)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
