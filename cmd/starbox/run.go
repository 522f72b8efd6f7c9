package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/starbox/internal/boundary"
	"github.com/michaelbrown/starbox/internal/executor"
	"github.com/michaelbrown/starbox/internal/grant"
)

var (
	codeFlag       string
	mountFlags     grant.ListFlag
	strictExitFlag bool
)

var runCmd = &cobra.Command{
	Use:   "run [file]",
	Short: "Run a Starlark script once",
	Long: `Run a Starlark script in a fresh guest and print exactly one line:
"Output: <result>" or "Error: <message>".

The result is everything the script printed followed by the value of its
final expression.

Examples:
  starbox run script.star
  starbox run -c 'print("hi")
1+1'
  starbox run -m ./data:/data:ro report.star`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&codeFlag, "code", "c", "", "Script text to run instead of a file")
	runCmd.Flags().VarP(&mountFlags, "mount", "m", "Grant a directory as host:guest[:ro|rw] (repeatable; replaces config mounts)")
	runCmd.Flags().BoolVar(&strictExitFlag, "strict-exit", false, "Exit 1 when the script fails")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	script, err := scriptSource(args, codeFlag, cmd.Flags().Changed("code"))
	if err != nil {
		return err
	}

	grants, err := effectiveGrants(cmd.Flags().Changed("mount"), mountFlags.Grants())
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	exec, _, closeStore, err := newExecutor(cfg, os.Stdin, os.Stderr)
	if err != nil {
		return err
	}
	defer closeStore()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	o, err := exec.Run(ctx, executor.Request{
		Script:       script,
		Grants:       grants,
		InheritStdio: cfg.Runtime.InheritStdio,
		Source:       "cli",
	})
	return report(cmd.OutOrStdout(), o, err, strictExitFlag || cfg.Runtime.StrictExit)
}

// scriptSource picks the script from exactly one of a file argument or -c.
func scriptSource(args []string, code string, codeSet bool) (string, error) {
	switch {
	case codeSet && len(args) > 0:
		return "", errors.New("give either a script file or -c, not both")
	case codeSet:
		return code, nil
	case len(args) == 0:
		return "", errors.New("no script: give a file or -c")
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return "", fmt.Errorf("reading script: %w", err)
	}
	return string(data), nil
}

// effectiveGrants uses -m flags when any were given, else the config mounts.
func effectiveGrants(flagged bool, fromFlags []grant.Grant) ([]grant.Grant, error) {
	if flagged {
		return fromFlags, nil
	}
	return cfg.Grants()
}

// report prints the result line and maps the outcome to an exit status:
// 0 for success and, unless strict, for a script failure; 1 for a strict
// failure or a grant that cannot be opened; 2 when the guest could not be
// built or faulted.
func report(w io.Writer, o *executor.Outcome, err error, strict bool) error {
	if err != nil {
		var unavailable *boundary.GrantUnavailableError
		if errors.As(err, &unavailable) {
			return err
		}
		fmt.Fprintln(w, "Error: "+err.Error())
		return &exitError{code: 2}
	}

	fmt.Fprintln(w, o.Line())
	if !o.OK() && strict {
		return &exitError{code: 1}
	}
	return nil
}
