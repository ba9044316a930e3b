package main

import (
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/yoman-app/yoman/internal/intake"
	"github.com/yoman-app/yoman/internal/model"
)

var (
	runUser     string
	runTimezone string
	runPhone    string
)

var runCmd = &cobra.Command{
	Use:   "run [message]",
	Short: "Process a single message and print the outcome",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		out, err := env.Service.Handle(ctx, model.Inbound{
			UserID:     runUser,
			Phone:      runPhone,
			Text:       strings.Join(args, " "),
			Timezone:   runTimezone,
			ReceivedAt: time.Now(),
		})
		if err != nil {
			return eris.Wrap(err, "handle message")
		}
		return printOutcome(cmd.OutOrStdout(), out)
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <handle> <reply>",
	Short: "Answer a pending clarification",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		out, err := env.Service.Resolve(ctx, args[0], args[1])
		if err != nil {
			return eris.Wrap(err, "resolve clarification")
		}
		return printOutcome(cmd.OutOrStdout(), out)
	},
}

func printOutcome(w io.Writer, out *intake.Outcome) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(out)
}

func init() {
	runCmd.Flags().StringVar(&runUser, "user", "cli", "user id the message belongs to")
	runCmd.Flags().StringVar(&runTimezone, "tz", "Asia/Jerusalem", "IANA timezone of the user")
	runCmd.Flags().StringVar(&runPhone, "phone", "", "reminder delivery number")
	rootCmd.AddCommand(runCmd, resolveCmd)
}
