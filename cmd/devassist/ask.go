package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"dev-assistant/client"
	"dev-assistant/domain/chat"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	templateFlag string
	modelFlag    string
)

var errAnswerFailed = errors.New("answer did not complete")

var askCmd = &cobra.Command{
	Use:   "ask [question...]",
	Short: "Ask a question and stream the answer",
	Long: `Ask a question and print the answer as it streams in.

With no arguments, or a single "-", the question is read from stdin.
Ctrl-C cancels the answer; the relay closes its upstream generation.`,
	RunE: runAsk,
}

func runAsk(cmd *cobra.Command, args []string) error {
	input, err := readInput(args, cmd.InOrStdin())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	out := cmd.OutOrStdout()
	printed := false
	result, err := newClient().Stream(ctx, chat.StreamRequest{
		UserInput: input,
		Template:  templateFlag,
		Model:     modelFlag,
	}, func(u client.Update) {
		if u.Event.Type == chat.EventChunk {
			fmt.Fprint(out, u.Event.Data)
			printed = true
		}
	})
	if printed {
		fmt.Fprintln(out)
	}

	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			fmt.Fprintln(cmd.ErrOrStderr(), "[cancelled]")
			return nil
		}
		return err
	}

	if result.SessionID != uuid.Nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "session: %s\n", result.SessionID)
	}

	switch result.Outcome {
	case chat.EventError:
		fmt.Fprintf(cmd.ErrOrStderr(), "Error: %s\n", result.Message)
		return errAnswerFailed
	case chat.EventCancelled:
		fmt.Fprintln(cmd.ErrOrStderr(), "[Response was cancelled]")
	}
	return nil
}

// readInput joins args into the question, or reads stdin when there are none
func readInput(args []string, stdin io.Reader) (string, error) {
	var input string
	if len(args) == 0 || (len(args) == 1 && args[0] == "-") {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("failed to read question from stdin: %w", err)
		}
		input = string(data)
	} else {
		input = strings.Join(args, " ")
	}

	if strings.TrimSpace(input) == "" {
		return "", errors.New("a question is required")
	}
	return input, nil
}

func init() {
	askCmd.Flags().StringVarP(&templateFlag, "template", "t", "", "Prompt template key (see 'devassist templates')")
	askCmd.Flags().StringVarP(&modelFlag, "model", "m", "", "Model to use (server default if empty)")
	rootCmd.AddCommand(askCmd)
}
