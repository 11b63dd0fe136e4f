package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"dev-assistant/client"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	serverFlag  string
	timeoutFlag time.Duration
	verboseFlag bool
)

var rootCmd = &cobra.Command{
	Use:   "devassist",
	Short: "Terminal client for the DevAssistant streaming relay",
	Long: `devassist sends questions to a DevAssistant relay and prints the answer
as it is generated.

The server address defaults to $DEVASSIST_SERVER, then http://localhost:8080.

Examples:
  devassist ask "why does my goroutine leak?"
  devassist ask -t error-explain < stacktrace.txt
  devassist templates
  devassist feedback <session-id> up`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verboseFlag {
			logrus.SetLevel(logrus.DebugLevel)
		} else {
			logrus.SetLevel(logrus.WarnLevel)
		}
		logrus.SetOutput(cmd.ErrOrStderr())
	},
}

func newClient() *client.Client {
	server := serverFlag
	if server == "" {
		server = os.Getenv("DEVASSIST_SERVER")
	}
	return client.New(server, client.WithTimeout(timeoutFlag))
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		// the failed answer has already been reported
		if !errors.Is(err, errAnswerFailed) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverFlag, "server", "s", "", "Relay base URL")
	rootCmd.PersistentFlags().DurationVar(&timeoutFlag, "timeout", 10*time.Second, "Timeout for non-streaming calls")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Log decoder diagnostics to stderr")
}
