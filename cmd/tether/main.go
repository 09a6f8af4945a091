// Command tether is the terminal front-end: a thin client that talks to
// the local daemon's control API to start, list, kill, and attach to PTY
// sessions.
//
// Grounded on cmd/wt/main.go's cobra command tree shape (root command plus
// one subcommand per verb, a shared client constructor).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tetherhq/tether/internal/config"
	"github.com/tetherhq/tether/internal/control"
	"github.com/tetherhq/tether/internal/wire"
)

func main() {
	root := &cobra.Command{
		Use:   "tether",
		Short: "tether: attach a browser or terminal to a long-running PTY session",
	}
	root.AddCommand(startCmd(), lsCmd(), killCmd(), attachCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func clientFromConfig() *control.Client {
	port := config.DefaultControlPort
	if v := os.Getenv("TETHER_CONTROL_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			port = p
		}
	}
	return control.NewClient(fmt.Sprintf("127.0.0.1:%d", port))
}

func startCmd() *cobra.Command {
	var tag, command, workingDir string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start (or reuse) a tagged session",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := clientFromConfig()
			cmdArgs := []string{"claude"}
			if command != "" {
				cmdArgs = []string{command}
			}
			sess, err := c.StartSession(control.StartSessionParams{
				Tag: tag, Command: cmdArgs, WorkingDir: workingDir,
			})
			if err != nil {
				return fmt.Errorf("start session: %w", err)
			}
			fmt.Printf("started: %s (tag=%s)\n", sess.ID, sess.Tag)
			return nil
		},
	}
	cmd.Flags().StringVar(&tag, "tag", "", "Session tag (reused if already running)")
	cmd.Flags().StringVar(&command, "command", "", "Command to run (default: claude)")
	cmd.Flags().StringVar(&workingDir, "dir", "", "Working directory")
	return cmd
}

func lsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List known sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := clientFromConfig()
			sessions, err := c.ListSessions()
			if err != nil {
				return fmt.Errorf("list sessions: %w", err)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTAG\tSTATUS\tDIR")
			for _, s := range sessions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.ID, s.Tag, s.Status, s.WorkingDir)
			}
			return w.Flush()
		},
	}
}

func killCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kill [id-or-tag]",
		Short: "Kill a running session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := clientFromConfig()
			if err := c.KillSession(args[0]); err != nil {
				return fmt.Errorf("kill session: %w", err)
			}
			fmt.Printf("killed: %s\n", args[0])
			return nil
		},
	}
}

func attachCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "attach [id-or-tag]",
		Short: "Attach the current terminal to a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAttach(args[0])
		},
	}
}

func runAttach(idOrTag string) error {
	c := clientFromConfig()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, err := c.DialAttach(ctx)
	if err != nil {
		return err
	}
	defer conn.CloseNow()

	if err := control.SendAttach(ctx, conn, wire.KindAttachSession, &wire.AttachSession{SessionID: idOrTag}); err != nil {
		return fmt.Errorf("attach session: %w", err)
	}

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		prev, err := term.MakeRaw(fd)
		if err == nil {
			defer term.Restore(fd, prev)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGWINCH)
	go func() {
		for range sigCh {
			if w, h, err := term.GetSize(fd); err == nil {
				control.SendAttach(ctx, conn, wire.KindTerminalResize, &wire.TerminalResize{SessionID: idOrTag, Cols: w, Rows: h})
			}
		}
	}()

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				control.SendAttach(ctx, conn, wire.KindTerminalInput, &wire.TerminalInput{SessionID: idOrTag, Bytes: wire.ByteSeq(append([]byte(nil), buf[:n]...))})
			}
			if err != nil {
				cancel()
				return
			}
		}
	}()

	for {
		sm, err := control.RecvAttach(ctx, conn)
		if err != nil {
			return nil
		}
		switch p := sm.Payload.(type) {
		case *wire.SrvTerminalHistory:
			os.Stdout.Write(p.Bytes)
		case *wire.SrvTerminalOutput:
			os.Stdout.Write(p.Bytes)
		case *wire.SessionStopped:
			return nil
		case *wire.Error:
			fmt.Fprintf(os.Stderr, "error: %s\n", p.Message)
			return nil
		}
	}
}
