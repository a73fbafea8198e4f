package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/gammadia/dasklaunch/client/flags"
	"github.com/gammadia/dasklaunch/client/log"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Versioning information set at build time
var version, commit, repository = "dev", "n/a", "gammadia/dasklaunch"

var dasklaunchCmd = &cobra.Command{
	Use:   "dasklaunch",
	Short: "dasklaunch runs Dask workloads on short-lived fleets of cloud instances.",

	SilenceUsage:  true,
	SilenceErrors: true,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := log.Init(cmd.ErrOrStderr()); err != nil {
			return err
		}
		startUpdateCheck(cmd.Context())
		return nil
	},

	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		printUpdateNotice()
	},
}

func init() {
	dasklaunchCmd.AddCommand(cleanupCmd)
	dasklaunchCmd.AddCommand(completionCmd)
	dasklaunchCmd.AddCommand(lsCmd)
	dasklaunchCmd.AddCommand(runCmd)
	dasklaunchCmd.AddCommand(selfUpdateCmd)
	dasklaunchCmd.AddCommand(versionCmd)

	flags.Register(dasklaunchCmd.PersistentFlags())
}

func verbose() bool {
	return viper.GetBool(flags.Verbose)
}

func main() {
	// A second signal kills the process, the first one cancels the context so that the fleet
	// is torn down.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		stop()
	}()

	dasklaunchCmd.SetOut(os.Stdout)
	if err := dasklaunchCmd.ExecuteContext(ctx); err != nil {
		lo.Must(fmt.Fprintln(os.Stderr, color.HiRedString(fmt.Sprint(err))))
		os.Exit(1)
	}
}
