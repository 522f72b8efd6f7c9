package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/adrg/xdg"
	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/starbox/internal/executor"
	"github.com/michaelbrown/starbox/internal/grant"
)

const (
	primaryPrompt      = "\033[36m>>>\033[0m "
	continuationPrompt = "\033[36m...\033[0m "
)

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Run scripts interactively",
	Long: `Start an interactive loop. Each submitted chunk runs in its own fresh
guest with the same grants; nothing carries over between chunks.

A line ending in ":" or an indented line continues the chunk; an empty line
submits it. Ctrl+C cancels a running script.`,
	Args: cobra.NoArgs,
	RunE: runRepl,
}

func init() {
	replCmd.Flags().VarP(&mountFlags, "mount", "m", "Grant a directory as host:guest[:ro|rw] (repeatable; replaces config mounts)")
	rootCmd.AddCommand(replCmd)
}

// chunker assembles input lines into complete scripts.
type chunker struct {
	lines []string
}

// add feeds one line. It returns the finished script once the chunk is
// complete.
func (c *chunker) add(line string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	if len(c.lines) == 0 {
		if trimmed == "" {
			return "", false
		}
		c.lines = append(c.lines, line)
		if strings.HasSuffix(trimmed, ":") {
			return "", false
		}
		return c.flush(), true
	}

	if trimmed == "" {
		return c.flush(), true
	}
	c.lines = append(c.lines, line)
	return "", false
}

func (c *chunker) pending() bool { return len(c.lines) > 0 }

func (c *chunker) flush() string {
	s := strings.Join(c.lines, "\n")
	c.lines = nil
	return s
}

// runCanceller holds the cancel func of the script currently running, if
// any. The REPL loop sets it; the signal goroutine fires it.
type runCanceller struct {
	cancel atomic.Pointer[context.CancelFunc]
}

func (r *runCanceller) set(cancel context.CancelFunc) { r.cancel.Store(&cancel) }

func (r *runCanceller) clear() { r.cancel.Store(nil) }

func (r *runCanceller) fire() {
	if cancel := r.cancel.Load(); cancel != nil {
		(*cancel)()
	}
}

func runRepl(cmd *cobra.Command, args []string) error {
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

	historyFile := filepath.Join(xdg.StateHome, "starbox", "repl_history")
	if err := os.MkdirAll(filepath.Dir(historyFile), 0o755); err != nil {
		historyFile = ""
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          primaryPrompt,
		HistoryFile:     historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	fmt.Printf("starbox %s | runtime: %s | mounts: %d\n", version, exec.Backend(), len(grants))
	fmt.Printf("Type /help for commands, /quit to exit\n\n")

	// Ctrl+C while a script runs cancels that script only.
	var running runCanceller
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			running.fire()
		}
	}()

	var chunk chunker
	for {
		if chunk.pending() {
			rl.SetPrompt(continuationPrompt)
		} else {
			rl.SetPrompt(primaryPrompt)
		}

		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) && chunk.pending() {
				chunk.flush()
				continue
			}
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				fmt.Println("\nGoodbye!")
				return nil
			}
			return err
		}

		if !chunk.pending() && strings.HasPrefix(strings.TrimSpace(line), "/") {
			if quit := handleReplCommand(strings.TrimSpace(line), grants); quit {
				return nil
			}
			continue
		}

		script, ok := chunk.add(line)
		if !ok {
			continue
		}

		ctx, cancel := context.WithCancel(context.Background())
		running.set(cancel)
		o, err := exec.Run(ctx, executor.Request{
			Script:       script,
			Grants:       grants,
			InheritStdio: cfg.Runtime.InheritStdio,
			Source:       "repl",
		})
		running.clear()
		cancel()

		if err != nil {
			fmt.Printf("\033[31mError: %s\033[0m\n", err)
			continue
		}
		fmt.Println(o.Line())
	}
}

func handleReplCommand(input string, grants []grant.Grant) (quit bool) {
	switch strings.ToLower(strings.Fields(input)[0]) {
	case "/quit", "/exit", "/q":
		fmt.Println("Goodbye!")
		return true
	case "/mounts":
		if len(grants) == 0 {
			fmt.Println("No mounts: scripts cannot see any files.")
		}
		for _, g := range grants {
			fmt.Printf("  %-20s %s (%s)\n", g.Guest, g.Host, g.Perm)
		}
		fmt.Println()
	case "/help":
		fmt.Println("Commands:")
		fmt.Println("  /help     - Show this help")
		fmt.Println("  /mounts   - List directories visible to scripts")
		fmt.Println("  /quit     - Exit")
		fmt.Println()
	default:
		fmt.Printf("Unknown command: %s (try /help)\n\n", input)
	}
	return false
}
