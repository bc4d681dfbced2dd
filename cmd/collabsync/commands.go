package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/codefionn/collabsync/internal/client"
	"github.com/codefionn/collabsync/internal/config"
	"github.com/codefionn/collabsync/internal/entity"
	"github.com/codefionn/collabsync/internal/logger"
	"github.com/codefionn/collabsync/internal/pprof"
	sessionstate "github.com/codefionn/collabsync/internal/session"
)

var (
	loginUser    string
	historyPages int
	pprofAddr    string
	cpuProfile   string
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Exchange a password for a session token and store it",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if loginUser == "" {
			return errors.New("--user is required")
		}

		ctx := cmd.Context()
		s, err := connect(ctx, cfg)
		if err != nil {
			return err
		}
		defer s.Close()

		userID, err := s.client.WhoIs(ctx, loginUser)
		if err != nil {
			return err
		}
		password, err := promptForPassword(fmt.Sprintf("Password for %s: ", loginUser))
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}
		token, err := s.client.GetToken(ctx, userID, password)
		if err != nil {
			return err
		}
		if err := s.client.Login(ctx, userID, token); err != nil {
			return err
		}

		cfg.UserID = userID
		cfg.Token = token
		if err := cfg.Save(resolvedConfigPath()); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s (user %d)\n", loginUser, userID)
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch [entity-id...]",
	Short: "Open entities and print changes until interrupted",
	Long: `Watch opens up to two entities (conversations on the right side, everything
else on the left) and prints every change of the mirrored state. Two ids
that open on the same side are rejected. Pushes for
other entities of the directory are reported as notifications.

The config file is watched too: changing log_level takes effect immediately.`,
	Args: cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ids, err := parseIDs(args)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		s, err := login(ctx, cfg)
		if err != nil {
			return err
		}
		defer s.Close()

		if pprofAddr != "" || cpuProfile != "" {
			prof := pprof.NewHandler(pprof.Config{
				HTTPAddr:   pprofAddr,
				CPUProfile: cpuProfile,
				Stats:      func() interface{} { return s.client.Stats() },
			})
			if err := prof.Start(); err != nil {
				return err
			}
			defer func() {
				if err := prof.Stop(); err != nil {
					logger.Warn("stopping profiler: %v", err)
				}
			}()
		}

		if err := distinctSides(ids, s.client.Session().SideFor); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		s.client.OnEntityChanged(func(change entity.Change) {
			printChange(out, change)
		})
		for _, id := range ids {
			e, err := s.client.Open(ctx, id)
			if err != nil {
				return err
			}
			printEntity(ctx, out, s.client, e)
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			select {
			case <-s.client.Done():
				return fmt.Errorf("session ended: %w", s.client.Err())
			case <-gctx.Done():
				return nil
			}
		})
		g.Go(func() error {
			return config.Watch(gctx, resolvedConfigPath(), func(next *config.Config) {
				level := logger.ParseLevel(next.LogLevel)
				if level != logger.Global().GetLevel() {
					logger.Info("log level changed to %s", level)
					logger.Global().SetLevel(level)
				}
			})
		})
		return g.Wait()
	},
}

var postCmd = &cobra.Command{
	Use:   "post <conversation-id> <text>",
	Short: "Post a message to a conversation",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		id, err := entity.ParseID(args[0])
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		s, err := login(ctx, cfg)
		if err != nil {
			return err
		}
		defer s.Close()

		if _, err := s.client.Open(ctx, id); err != nil {
			return err
		}
		change, err := s.client.PostMessage(ctx, id, strings.Join(args[1:], " "))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Posted message %d to %s (revision %d)\n", change.Index, id, change.Revision)
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Print the history of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		id, err := entity.ParseID(args[0])
		if err != nil {
			return err
		}
		if id.Kind() != entity.KindConversation {
			return fmt.Errorf("%s is not a conversation", id)
		}

		ctx := cmd.Context()
		s, err := login(ctx, cfg)
		if err != nil {
			return err
		}
		defer s.Close()

		e, err := s.client.Open(ctx, id)
		if err != nil {
			return err
		}
		for i := 1; i < historyPages; i++ {
			conv, _ := e.Conversation()
			if conv.Mirror.AtStart() {
				break
			}
			if _, err := s.client.LoadBefore(ctx, id, conv.Mirror.FirstLoadedIndex()); err != nil {
				return err
			}
			e, _ = s.client.GetEntitySnapshot(id)
		}
		printEntity(ctx, cmd.OutOrStdout(), s.client, e)
		return nil
	},
}

func init() {
	loginCmd.Flags().StringVar(&loginUser, "user", "", "Username to log in as")
	watchCmd.Flags().StringVar(&pprofAddr, "pprof", "", "Serve profiles and client stats on this address")
	watchCmd.Flags().StringVar(&cpuProfile, "cpu-profile", "", "Write a CPU profile to this file")
	historyCmd.Flags().IntVar(&historyPages, "pages", 1, "Number of pages of 50 messages to load")
}

func parseIDs(args []string) ([]entity.ID, error) {
	ids := make([]entity.ID, 0, len(args))
	for _, arg := range args {
		id, err := entity.ParseID(arg)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// distinctSides rejects ids of which two would be shown on the same side,
// since the second would replace the first.
func distinctSides(ids []entity.ID, sideFor func(entity.ID) sessionstate.Side) error {
	seen := make(map[sessionstate.Side]entity.ID, len(ids))
	for _, id := range ids {
		side := sideFor(id)
		if prev, ok := seen[side]; ok {
			return fmt.Errorf("%s and %s both open on the %s side", prev, id, side)
		}
		seen[side] = id
	}
	return nil
}

func printChange(w io.Writer, change entity.Change) {
	switch change.Kind {
	case entity.ChangeNotified:
		fmt.Fprintf(w, "* %s changed (revision %d)\n", change.ID, change.Revision)
	case entity.ChangeMessageAppended, entity.ChangeMessageReplaced, entity.ChangeElementInserted,
		entity.ChangeElementSet, entity.ChangeElementDeleted:
		fmt.Fprintf(w, "%s %s #%d (revision %d, %s)\n", change.ID, change.Kind, change.Index, change.Revision, change.Source)
	default:
		fmt.Fprintf(w, "%s %s (revision %d, %s)\n", change.ID, change.Kind, change.Revision, change.Source)
	}
}

func printEntity(ctx context.Context, w io.Writer, c *client.Client, e entity.Entity) {
	fmt.Fprintf(w, "== %s at revision %d\n", e.ID, e.Revision)
	if conv, ok := e.Conversation(); ok {
		if !conv.Mirror.AtStart() {
			fmt.Fprintf(w, "   (%d older messages not loaded)\n", conv.Mirror.FirstLoadedIndex())
		}
		for _, msg := range conv.Mirror.Messages() {
			name, err := c.Username(ctx, msg.Author)
			if err != nil {
				name = fmt.Sprintf("user %d", msg.Author)
			}
			edited := ""
			if msg.Edited != nil {
				edited = " (edited)"
			}
			fmt.Fprintf(w, "%5d %s %s: %s%s\n", msg.Index, time.Unix(msg.Created, 0).Format("2006-01-02 15:04"), name, msg.Content, edited)
		}
	}
	if doc, ok := e.Document(); ok {
		for i, el := range doc.Elements {
			fmt.Fprintf(w, "%5d [%s] %s\n", i, el.Style, el.Data)
		}
	}
	if bucket, ok := e.Bucket(); ok {
		for i, f := range bucket.Files {
			fmt.Fprintf(w, "%5d %s %d bytes\n", i, f.Name, f.Size)
		}
	}
}

func promptForPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	fmt.Fprint(os.Stderr, prompt)

	if term.IsTerminal(fd) {
		bytes, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(bytes)), nil
	}

	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
