package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/codefionn/collabsync/internal/channel"
	"github.com/codefionn/collabsync/internal/client"
	"github.com/codefionn/collabsync/internal/config"
	"github.com/codefionn/collabsync/internal/journal"
	"github.com/codefionn/collabsync/internal/logger"
)

var (
	configPath string
	serverURL  string
	noJournal  bool
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "collabsync",
	Short: "Command line client for the collaboration server",
	Long: `collabsync keeps a local mirror of conversations, documents and buckets
in sync with a collaboration server over a websocket session.

Run 'collabsync login' once to store a session token, then use 'watch',
'post' and 'history'. Every frame of a session is journaled to SQLite
unless disabled; 'collabsync journal' queries it.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file (JSON)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "Server websocket url, overrides the config")
	rootCmd.PersistentFlags().BoolVar(&noJournal, "no-journal", false, "Do not journal frames of this session")

	rootCmd.AddCommand(loginCmd, watchCmd, postCmd, historyCmd, journalCmd)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() (err error) {
	defer func() {
		if err != nil {
			logger.Error("Fatal error: %v", err)
		}
		if closeErr := logger.Global().Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close logger: %v\n", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func resolvedConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.GetConfigPath()
}

// loadConfig loads the configuration and initializes the global logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(resolvedConfigPath())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if serverURL != "" {
		cfg.ServerURL = serverURL
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	if err := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.Debug("config loaded: server=%s log_level=%s log_path=%s", cfg.ServerURL, cfg.LogLevel, cfg.LogPath)
	return cfg, nil
}

// session is a connected, logged in client and its journal.
type session struct {
	cfg     *config.Config
	client  *client.Client
	journal *journal.Journal
}

func (s *session) Close() {
	if err := s.client.Close(); err != nil {
		logger.Warn("closing client: %v", err)
	}
	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			logger.Warn("closing journal: %v", err)
		}
	}
}

func dialOptions(cfg *config.Config) channel.DialOptions {
	return channel.DialOptions{
		HandshakeTimeout: cfg.HandshakeTimeout(),
		WriteTimeout:     cfg.WriteTimeout(),
		PingInterval:     cfg.PingInterval(),
		MaxFrameBytes:    cfg.MaxFrameBytes,
	}
}

// connect dials the server. The journal, when enabled, observes every frame.
func connect(ctx context.Context, cfg *config.Config) (*session, error) {
	s := &session{cfg: cfg}
	opts := client.Options{
		Dial:            dialOptions(cfg),
		Logger:          logger.Global(),
		ReloadMailbox:   cfg.ReloadMailboxSize,
		ScrollThreshold: cfg.ScrollThreshold,
		SingleSide:      cfg.SingleSide,
	}

	if cfg.JournalEnabled && !noJournal {
		j, err := journal.Open(ctx, cfg.JournalPath, uuid.NewString(), journal.Options{
			UserID:    cfg.UserID,
			ServerURL: cfg.ServerURL,
		})
		if err != nil {
			return nil, err
		}
		s.journal = j
		opts.Observers = append(opts.Observers, j)
	}

	c, err := client.Dial(ctx, cfg.ServerURL, opts)
	if err != nil {
		if s.journal != nil {
			s.journal.Close()
		}
		return nil, err
	}
	s.client = c
	return s, nil
}

// login connects and opens the session stored in the config.
func login(ctx context.Context, cfg *config.Config) (*session, error) {
	if cfg.UserID == 0 && cfg.Token == "" {
		return nil, errors.New("not logged in, run 'collabsync login' first")
	}
	s, err := connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := s.client.Login(ctx, cfg.UserID, cfg.Token); err != nil {
		s.Close()
		return nil, err
	}
	logger.Info("logged in as user %d", cfg.UserID)
	return s, nil
}
