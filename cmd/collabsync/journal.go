package main

import (
	"fmt"
	"text/tabwriter"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/codefionn/collabsync/internal/journal"
)

var (
	journalSession  string
	journalEntity   string
	journalKind     string
	journalLimit    int
	journalSessions bool
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Query the frame journal",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		j, err := journal.OpenReadOnly(cfg.JournalPath)
		if err != nil {
			return err
		}
		defer j.Close()

		ctx := cmd.Context()
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		defer w.Flush()

		if journalSessions {
			sessions, err := j.Sessions(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(w, "SESSION\tUSER\tSERVER\tSTARTED\tFRAMES")
			for _, s := range sessions {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%d\n", s.ID, s.UserID, s.ServerURL, s.Started.Format("2006-01-02 15:04:05"), s.Frames)
			}
			return nil
		}

		frames, err := j.Frames(ctx, journal.Filter{
			Session:  journalSession,
			EntityID: journalEntity,
			Kind:     journalKind,
			Limit:    journalLimit,
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(w, "TIME\tDIR\tKIND\tNUM\tNAME\tENTITY\tBODY")
		for _, f := range frames {
			num := ""
			if f.Num != nil {
				num = fmt.Sprint(*f.Num)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				f.At.Format("15:04:05.000"), f.Direction, f.Kind, num, f.Name, f.EntityID, truncate(f.Body, 120))
		}
		return nil
	},
}

func init() {
	journalCmd.Flags().StringVar(&journalSession, "session", "", "Only frames of this session")
	journalCmd.Flags().StringVar(&journalEntity, "entity", "", "Only pushes for this entity id")
	journalCmd.Flags().StringVar(&journalKind, "kind", "", "Only frames of this kind (call, reply, push)")
	journalCmd.Flags().IntVar(&journalLimit, "limit", 50, "Maximum number of frames, 0 for all")
	journalCmd.Flags().BoolVar(&journalSessions, "sessions", false, "List sessions instead of frames")
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
