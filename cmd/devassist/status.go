package main

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"dev-assistant/domain/persistence"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var errUnhealthy = errors.New("relay reports the model server as unavailable")

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "List the prompt templates the relay knows",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		templates, err := newClient().Templates(cmd.Context())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "KEY\tNAME\tDESCRIPTION")
		for _, t := range templates {
			fmt.Fprintf(w, "%s\t%s\t%s\n", t.Key, t.Name, t.Description)
		}
		return w.Flush()
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show relay and model server health",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := newClient().Health(cmd.Context())
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "upstream: %s\n", status.UpstreamStatus)
		fmt.Fprintf(out, "database: %s\n", status.DatabaseStatus)
		fmt.Fprintf(out, "checked:  %s\n", status.Timestamp.Local().Format("2006-01-02 15:04:05"))
		if !status.IsHealthy {
			return errUnhealthy
		}
		return nil
	},
}

var commentFlag string

var feedbackCmd = &cobra.Command{
	Use:   "feedback <session-id> <up|down>",
	Short: "Rate the answer of a previous session",
	Long: `Rate the answer of a previous session. The session ID is printed to
stderr after every 'devassist ask'. Requires persistence on the relay.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid session id %q: %w", args[0], err)
		}
		feedbackType, err := parseRating(args[1])
		if err != nil {
			return err
		}

		if err := newClient().SubmitFeedback(cmd.Context(), sessionID, feedbackType, commentFlag); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Feedback recorded.")
		return nil
	},
}

func parseRating(s string) (persistence.FeedbackType, error) {
	switch strings.ToLower(s) {
	case "up", "+", "thumbs_up":
		return persistence.FeedbackThumbsUp, nil
	case "down", "-", "thumbs_down":
		return persistence.FeedbackThumbsDown, nil
	}
	return "", fmt.Errorf("rating must be up or down, got %q", s)
}

func init() {
	feedbackCmd.Flags().StringVarP(&commentFlag, "comment", "c", "", "Optional comment")
	rootCmd.AddCommand(templatesCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(feedbackCmd)
}
