package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mosmn/conversational-glass-ai-sub001/internal/api"
	"github.com/mosmn/conversational-glass-ai-sub001/internal/branch"
	"github.com/mosmn/conversational-glass-ai-sub001/internal/config"
	"github.com/mosmn/conversational-glass-ai-sub001/internal/db"
	"github.com/mosmn/conversational-glass-ai-sub001/internal/llm"
	"github.com/mosmn/conversational-glass-ai-sub001/internal/models"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:           "server",
		Short:         "Branching chat conversation server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "path to the TOML config file")

	rootCmd.AddCommand(newServeCommand(), newTreeCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Log.Development {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func openDatabase(cfg *config.Config) (*db.Database, error) {
	return db.Open(cfg.Database.Path, db.Options{
		BusyTimeout: time.Duration(cfg.Database.BusyTimeoutMs) * time.Millisecond,
	})
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger := newLogger(cfg)
			defer logger.Sync()

			database, err := openDatabase(cfg)
			if err != nil {
				logger.Error("failed to initialize database",
					zap.Error(err),
					zap.String("dbPath", cfg.Database.Path))
				return err
			}
			defer database.Close()

			llmService, err := llm.New(
				cfg.LLM.BaseURL,
				cfg.LLM.Token,
				cfg.LLM.Model,
				time.Duration(cfg.LLM.TimeoutSecs)*time.Second,
				database,
				logger,
			)
			if err != nil {
				logger.Error("failed to initialize LLM service", zap.Error(err))
				return err
			}

			branches := branch.New(database, llmService, logger)
			handler := api.NewHandler(database, branches, llmService, cfg.RateLimit, logger)

			mux := http.NewServeMux()
			handler.Register(mux)
			mux.Handle("/", http.FileServer(http.Dir(cfg.Server.StaticDir)))

			return serve(cmd.Context(), cfg.Server.Addr, mux, logger)
		},
	}
}

func serve(ctx context.Context, addr string, handler http.Handler, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		logger.Info("Starting server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return eg.Wait()
}

func newTreeCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "tree USER_ID",
		Short: "Print the conversation hierarchy of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger := newLogger(cfg)
			defer logger.Sync()

			database, err := openDatabase(cfg)
			if err != nil {
				return err
			}
			defer database.Close()

			tree, err := branch.New(database, nil, logger).BuildTree(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(tree)
			}
			for _, node := range tree {
				printNode(cmd, node)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the tree as JSON")
	return cmd
}

func printNode(cmd *cobra.Command, node *models.TreeNode) {
	label := node.Conversation.Title
	if name := node.Conversation.Name(); name != "" {
		label = fmt.Sprintf("%s [%s]", label, name)
	}
	if node.IsOrphan {
		label += " (orphaned)"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%*s%s  %s\n", node.Depth*2, "", label, node.Conversation.ID)
	for _, child := range node.Branches {
		printNode(cmd, child)
	}
}
