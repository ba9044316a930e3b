package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage reminder delivery jobs",
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a scheduled delivery",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Scheduler.Cancel(ctx, args[0]); err != nil {
			return eris.Wrap(err, "cancel job")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "cancelled %s\n", args[0])
		return nil
	},
}

var jobsDeliverCmd = &cobra.Command{
	Use:   "deliver",
	Short: "Deliver every job that is currently due, then exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		n, err := env.Worker.RunOnce(ctx)
		if err != nil {
			return eris.Wrap(err, "deliver due jobs")
		}
		zap.L().Info("delivery pass complete", zap.Int("jobs", n))
		fmt.Fprintf(cmd.OutOrStdout(), "processed %d jobs\n", n)
		return nil
	},
}

var jobsPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete finished jobs older than the retention period",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		n, err := env.Worker.Purge(ctx)
		if err != nil {
			return eris.Wrap(err, "purge jobs")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "purged %d jobs\n", n)
		return nil
	},
}

func init() {
	jobsCmd.AddCommand(jobsCancelCmd, jobsDeliverCmd, jobsPurgeCmd)
	rootCmd.AddCommand(jobsCmd)
}
