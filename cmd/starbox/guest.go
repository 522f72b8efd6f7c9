package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/starbox/internal/sandbox"
)

var maxOpenFilesFlag uint64

// guestCmd is the process the bwrap backend starts inside the sandbox. It
// reads one request from fd 3 and writes one response to fd 4.
var guestCmd = &cobra.Command{
	Use:    "guest",
	Short:  "Guest side of the bwrap backend",
	Hidden: true,
	Args:   cobra.NoArgs,
	// The sandbox has no config or home directory.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
		defer stop()

		in, out := sandbox.GuestPipes()
		defer in.Close()
		defer out.Close()

		return sandbox.ServeGuest(ctx, in, out, sandbox.GuestOptions{
			MaxOpenFiles: maxOpenFilesFlag,
			Stdin:        os.Stdin,
			Stderr:       os.Stderr,
			Harden:       sandbox.Harden,
		})
	},
}

func init() {
	guestCmd.Flags().Uint64Var(&maxOpenFilesFlag, "max-open-files", 256, "RLIMIT_NOFILE for the guest")
	rootCmd.AddCommand(guestCmd)
}
