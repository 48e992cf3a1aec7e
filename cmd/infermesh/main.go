package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/infermesh/infermesh/internal/agent"
	"github.com/infermesh/infermesh/internal/auth"
	"github.com/infermesh/infermesh/internal/config"
	"github.com/infermesh/infermesh/internal/server"
	"github.com/infermesh/infermesh/internal/store"
	"github.com/infermesh/infermesh/internal/version"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "infermesh",
		Short:   "Decentralized GPU inference network",
		Version: version.Version,
	}

	rootCmd.AddCommand(
		serverCmd(),
		nodeCmd(),
		tokenCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newLogger emits human-readable logs on a terminal and JSON elsewhere.
func newLogger() *slog.Logger {
	var handler slog.Handler
	if term.IsTerminal(int(os.Stderr.Fd())) {
		handler = slog.NewTextHandler(os.Stderr, nil)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, nil)
	}
	return slog.New(handler)
}

// loadConfig reads the config file from the working directory; missing file
// yields defaults.
func loadConfig(log *slog.Logger) *config.Config {
	cfg, name, err := config.Load(".")
	if err == config.ErrNoConfig {
		return config.Default()
	}
	if err != nil {
		log.Warn("config file ignored", "file", name, "error", err)
		return config.Default()
	}
	log.Info("config loaded", "file", name)
	return cfg
}

func serverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start the control plane server",
		RunE:  runServer,
	}
	cmd.Flags().String("addr", "", "Address to listen on (default :8080)")
	cmd.Flags().String("db", "", "SQLite database path (default infermesh.db)")
	return cmd
}

func runServer(cmd *cobra.Command, args []string) error {
	log := newLogger()
	cfg := loadConfig(log)

	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Server.Listen = addr
	}
	if db, _ := cmd.Flags().GetString("db"); db != "" {
		cfg.Server.Database = db
	}

	// Env vars override flags and file
	if v := os.Getenv("INFERMESH_ADDR"); v != "" {
		cfg.Server.Listen = v
	}
	if v := os.Getenv("INFERMESH_DB"); v != "" {
		cfg.Server.Database = v
	}
	if v := os.Getenv("INFERMESH_USER_SECRET"); v != "" {
		cfg.Server.UserSecret = v
	}
	if v := os.Getenv("INFERMESH_ENCRYPTION_SECRET"); v != "" {
		cfg.Server.EncryptionSecret = v
	}

	if cfg.Server.UserSecret == "" {
		return fmt.Errorf("user secret is required (INFERMESH_USER_SECRET or server.user_secret)")
	}

	var cipher *auth.Cipher
	if cfg.Server.EncryptionSecret != "" {
		c, err := auth.NewCipher(cfg.Server.EncryptionSecret)
		if err != nil {
			return fmt.Errorf("encryption secret: %w", err)
		}
		cipher = c
	} else {
		log.Warn("no encryption secret set, node secrets stored in plaintext")
	}

	log.Info("initializing storage", "path", cfg.Server.Database)
	st, err := store.NewSQLite(cfg.Server.Database, cipher)
	if err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}
	defer st.Close()

	srv := server.New(cfg.Server.Listen, st, cfg.Server.UserSecret, log)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Info("shutting down", "signal", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}
}

func nodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Run a GPU node agent",
		RunE:  runNode,
	}
	cmd.Flags().String("server", "", "Control plane base URL")
	cmd.Flags().String("id", "", "Node ID")
	cmd.Flags().String("secret", "", "Node HMAC secret")
	cmd.Flags().String("models", "", "Comma-separated models to serve")
	cmd.Flags().String("region", "", "Region label")
	cmd.Flags().Bool("pull", false, "Pull-only mode (no push socket)")
	cmd.Flags().String("ollama", "", "Ollama base URL")
	return cmd
}

func runNode(cmd *cobra.Command, args []string) error {
	log := newLogger()
	cfg := loadConfig(log)

	if v, _ := cmd.Flags().GetString("server"); v != "" {
		cfg.Node.Server = v
	}
	if v, _ := cmd.Flags().GetString("id"); v != "" {
		cfg.Node.ID = v
	}
	if v, _ := cmd.Flags().GetString("secret"); v != "" {
		cfg.Node.Secret = v
	}
	if v, _ := cmd.Flags().GetString("models"); v != "" {
		cfg.Node.Models = strings.Split(v, ",")
	}
	if v, _ := cmd.Flags().GetString("region"); v != "" {
		cfg.Node.Region = v
	}
	if v, _ := cmd.Flags().GetString("ollama"); v != "" {
		cfg.Node.Ollama = v
	}
	if pull, _ := cmd.Flags().GetBool("pull"); pull {
		cfg.Node.PullOnly = true
	}

	if v := os.Getenv("INFERMESH_SERVER"); v != "" {
		cfg.Node.Server = v
	}
	if v := os.Getenv("INFERMESH_NODE_ID"); v != "" {
		cfg.Node.ID = v
	}
	if v := os.Getenv("INFERMESH_NODE_SECRET"); v != "" {
		cfg.Node.Secret = v
	}

	if cfg.Node.Server == "" || cfg.Node.ID == "" || cfg.Node.Secret == "" {
		return fmt.Errorf("server, id, and secret are required (register the node first)")
	}

	runtime := cfg.Node.Runtime
	if runtime == "" {
		runtime = "ollama"
	}
	a := agent.New(agent.Config{
		ServerURL:    cfg.Node.Server,
		NodeID:       cfg.Node.ID,
		Secret:       cfg.Node.Secret,
		Models:       cfg.Node.Models,
		Region:       cfg.Node.Region,
		Runtime:      runtime,
		PullOnly:     cfg.Node.PullOnly,
		PollInterval: cfg.Node.PollInterval.Duration(),
		OllamaURL:    cfg.Node.Ollama,
	}, log)

	if err := a.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutting down", "signal", sig)
	a.Stop()
	return nil
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Mint a user bearer token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv("INFERMESH_USER_SECRET")
			if secret == "" {
				cfg := loadConfig(slog.New(slog.DiscardHandler))
				secret = cfg.Server.UserSecret
			}
			if secret == "" {
				return fmt.Errorf("user secret is required (INFERMESH_USER_SECRET)")
			}

			token, err := auth.NewUserAuth(secret).MintToken(args[0])
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	return cmd
}
