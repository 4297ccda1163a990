package cli

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/raphaelgruber/retrobot/internal/models"
	"github.com/raphaelgruber/retrobot/internal/render"
	"github.com/raphaelgruber/retrobot/internal/retro"
	"github.com/raphaelgruber/retrobot/internal/session"
	"github.com/spf13/cobra"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect stored retrospective sessions",
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <user>",
	Short: "Show a user's current session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeStore, err := openBackend(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer closeStore()

		s, err := store.Load(cmd.Context(), args[0])
		if errors.Is(err, session.ErrNotFound) {
			fmt.Fprintf(cmd.OutOrStdout(), "No session for %s.\n", args[0])
			return nil
		}
		if err != nil {
			return err
		}
		printSession(cmd.OutOrStdout(), s)
		return nil
	},
}

var sessionResetCmd = &cobra.Command{
	Use:   "reset <user>",
	Short: "Delete a user's current session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeStore, err := openBackend(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer closeStore()

		if err := store.Delete(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Session for %s deleted.\n", args[0])
		return nil
	},
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeStore, err := openBackend(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer closeStore()

		sessions, err := store.ListSessions(cmd.Context())
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No sessions.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "USER\tSTEP\tANSWERED\tUPDATED\tVOICE")
		for _, s := range sessions {
			fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\t%s\n",
				s.UserID, s.Step, len(s.Answers), len(models.Sequence),
				s.UpdatedAt.Local().Format(time.DateTime), s.PipelineToken)
		}
		return w.Flush()
	},
}

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history <user>",
	Short: "Print a user's completed retrospectives",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeStore, err := openBackend(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer closeStore()

		catalogue, err := retro.LoadCatalogue(cfg.StepsFile)
		if err != nil {
			return err
		}
		records, err := store.Records(cmd.Context(), args[0], historyLimit)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "No retrospectives for %s.\n", args[0])
			return nil
		}
		for i, r := range records {
			if i > 0 {
				fmt.Fprint(cmd.OutOrStdout(), "\n---\n\n")
			}
			fmt.Fprint(cmd.OutOrStdout(), render.Markdown(r, catalogue))
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 7, "number of retrospectives to show")

	sessionCmd.AddCommand(sessionShowCmd)
	sessionCmd.AddCommand(sessionResetCmd)
	sessionCmd.AddCommand(sessionListCmd)
}

func printSession(w io.Writer, s *models.Session) {
	fmt.Fprintf(w, "User:    %s\n", s.UserID)
	fmt.Fprintf(w, "Step:    %s", s.Step)
	if s.Editing {
		fmt.Fprint(w, " (editing)")
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Started: %s\n", s.CreatedAt.Local().Format(time.DateTime))
	fmt.Fprintf(w, "Updated: %s\n", s.UpdatedAt.Local().Format(time.DateTime))
	if s.PipelineToken != "" {
		fmt.Fprintf(w, "Voice:   job %s in flight\n", s.PipelineToken)
	}

	fmt.Fprintln(w, "\nAnswers:")
	for i, step := range models.Sequence {
		v, ok := s.Answers[step]
		switch {
		case !ok:
			fmt.Fprintf(w, "  %d. %-13s -\n", i+1, step)
		case v.Kind == models.KindSkipped:
			fmt.Fprintf(w, "  %d. %-13s (skipped)\n", i+1, step)
		default:
			fmt.Fprintf(w, "  %d. %-13s %s\n", i+1, step, v)
		}
	}
}
