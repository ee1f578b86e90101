package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const prompt = "testnet> "

var errNestedShell = errors.New("already in the shell")

// shell is an interactive session over the command tree. All lines share
// one app, and with it one fleet manager.
type shell struct {
	app *app
	out io.Writer
}

func (a *app) shellCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "interactive session; quit stops the testnet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sh := &shell{app: a, out: cmd.OutOrStdout()}
			return sh.Run(cmd.Context(), cmd.InOrStdin())
		},
	}
}

// RunLine executes one line. It returns io.EOF after quit.
func (sh *shell) RunLine(ctx context.Context, line string) error {
	args := strings.Fields(line)
	if len(args) == 0 {
		return nil
	}
	switch args[0] {
	case "quit", "exit":
		if sh.app.mgr != nil {
			if err := sh.app.mgr.Stop(ctx); err == nil {
				fmt.Fprintln(sh.out, "Testnet stopped")
			}
		}
		sh.app.warnRunning()
		return io.EOF
	case "shell":
		fmt.Fprintf(sh.out, "Error: %v\n", errNestedShell)
		return errNestedShell
	}

	root := sh.app.rootCommand()
	root.SetOut(sh.out)
	root.SetErr(sh.out)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(sh.out, "Error: %v\n", err)
		return err
	}
	return nil
}

// Run reads lines until quit, end of input or cancellation. Leaving any
// other way than quit keeps the testnet running.
func (sh *shell) Run(ctx context.Context, in io.Reader) error {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return sh.runTerminal(ctx, f)
	}

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		if err := sh.RunLine(ctx, scanner.Text()); errors.Is(err, io.EOF) {
			return nil
		}
	}
	sh.app.warnRunning()
	return scanner.Err()
}

// runTerminal puts the terminal in raw mode only while a line is edited, so
// command output and Ctrl-C behave normally while a command runs.
func (sh *shell) runTerminal(ctx context.Context, f *os.File) error {
	fd := int(f.Fd())
	t := term.NewTerminal(struct {
		io.Reader
		io.Writer
	}{f, sh.out}, prompt)

	for ctx.Err() == nil {
		state, err := term.MakeRaw(fd)
		if err != nil {
			return err
		}
		line, err := t.ReadLine()
		_ = term.Restore(fd, state)
		if err != nil {
			fmt.Fprintln(sh.out)
			break
		}
		if err := sh.RunLine(ctx, line); errors.Is(err, io.EOF) {
			return nil
		}
	}
	sh.app.warnRunning()
	return nil
}
