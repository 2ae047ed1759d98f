package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.sia.tech/raids/raids"
)

// errQuit is returned by the quit command to stop the terminal.
var errQuit = errors.New("quit")

func newUploadCommand(c *cluster) *cobra.Command {
	return &cobra.Command{
		Use:   "upload <path> <chunks>",
		Short: "Split a file into chunks and store them on the network.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			chunks, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid chunk count %q: %w", args[1], err)
			}
			ml, err := c.Upload(cmd.Context(), args[0], chunks)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "uploaded %s (%d bytes, %s)\n", ml.Filename, ml.Size, ml.Hash)
			for i, ring := range ml.Parts {
				fmt.Fprintf(w, "  chunk %d: %v\n", i, ring)
			}
			return nil
		},
	}
}

func newDownloadCommand(c *cluster) *cobra.Command {
	return &cobra.Command{
		Use:   "download <filename> [destination]",
		Short: "Fetch a previously uploaded file. It is written to the working directory unless a destination is given.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dst := filepath.Base(args[0])
			if len(args) > 1 {
				dst = args[1]
			}
			res, err := c.Download(cmd.Context(), args[0], dst)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "downloaded %s to %s (%d bytes)\n", res.Filename, res.Path, res.Size)
			if len(res.Missing) > 0 {
				fmt.Fprintf(w, "  reconstructed chunks %v from parity\n", res.Missing)
			}
			return nil
		},
	}
}

func newFilesCommand(c *cluster) *cobra.Command {
	return &cobra.Command{
		Use:   "files",
		Short: "List the files uploaded by this user.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := c.Files(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tHASH")
			for _, f := range files {
				fmt.Fprintf(tw, "%s\t%s\n", f.Name, f.Hash)
			}
			return tw.Flush()
		},
	}
}

func printStatus(w io.Writer, status raids.NodeStatus) error {
	fmt.Fprintf(w, "node %v (%s)\n", status.ID, status.Username)
	if status.Closed {
		fmt.Fprintln(w, "  closed")
		return nil
	}
	fmt.Fprintf(w, "  used: %d bytes\n", status.Used)
	fmt.Fprintf(w, "  monitoring: %v\n", status.Monitored)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  PART\tPREDECESSOR\tSUCCESSOR\tDATA")
	for _, pos := range status.Positions {
		succ := pos.Successor.String()
		if pos.Tail {
			succ = "(tail)"
		}
		fmt.Fprintf(tw, "  %v\t%v\t%s\t%v\n", pos.Part, pos.Predecessor, succ, pos.LocalPath != "")
	}
	return tw.Flush()
}

func newStatusCommand(c *cluster) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the ring positions of the active node.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return printStatus(cmd.OutOrStdout(), c.Status())
		},
	}
}

func newListCommand(c *cluster) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the local nodes.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			statuses, active := c.list()
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "\tINDEX\tPEER\tSTATE\tPARTS")
			for i, status := range statuses {
				marker := ""
				if i == active {
					marker = "*"
				}
				state := "live"
				if status.Closed {
					state = "killed"
				}
				fmt.Fprintf(tw, "%s\t%d\t%v\t%s\t%d\n", marker, i, status.ID, state, len(status.Positions))
			}
			return tw.Flush()
		},
	}
}

func newSwitchCommand(c *cluster) *cobra.Command {
	return &cobra.Command{
		Use:   "switch <index>",
		Short: "Make another local node active.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			i, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid index %q: %w", args[0], err)
			} else if err := c.switchTo(i); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "switched to node %d\n", i)
			return nil
		},
	}
}

func newKillCommand(c *cluster) *cobra.Command {
	return &cobra.Command{
		Use:   "kill [index]",
		Short: "Stop a local node. Without an index a random live node is stopped.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			i := -1
			if len(args) > 0 {
				var err error
				i, err = strconv.Atoi(args[0])
				if err != nil || i < 0 {
					return fmt.Errorf("invalid index %q", args[0])
				}
			}
			killed, err := c.kill(i)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "killed node %d\n", killed)
			return nil
		},
	}
}

func newQuitCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "quit",
		Aliases: []string{"exit"},
		Short:   "Stop every node and exit.",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return errQuit
		},
	}
}

// newTerminal returns the command tree of the interactive terminal.
func newTerminal(c *cluster) *cobra.Command {
	root := &cobra.Command{
		Use:           "raidsd",
		Short:         "Interact with the local raids nodes.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.AddCommand(
		newUploadCommand(c),
		newDownloadCommand(c),
		newFilesCommand(c),
		newStatusCommand(c),
		newListCommand(c),
		newSwitchCommand(c),
		newKillCommand(c),
		newQuitCommand(),
	)
	return root
}

// runTerminal executes one command per line of r until r is exhausted, ctx
// is cancelled, or the quit command is entered.
func runTerminal(ctx context.Context, root *cobra.Command, r io.Reader, w io.Writer) error {
	root.SetOut(w)
	root.SetErr(w)

	lines := make(chan string)
	errCh := make(chan error, 1)
	go func() {
		defer close(lines)
		s := bufio.NewScanner(r)
		for s.Scan() {
			select {
			case lines <- s.Text():
			case <-ctx.Done():
				return
			}
		}
		errCh <- s.Err()
	}()

	for {
		fmt.Fprint(w, "> ")
		var line string
		select {
		case <-ctx.Done():
			return ctx.Err()
		case l, ok := <-lines:
			if !ok {
				select {
				case err := <-errCh:
					return err
				default:
					return nil
				}
			}
			line = l
		}

		args := strings.Fields(line)
		if len(args) == 0 {
			continue
		}
		root.SetArgs(args)
		err := root.ExecuteContext(ctx)
		if errors.Is(err, errQuit) {
			return nil
		} else if err != nil {
			fmt.Fprintln(w, "error:", err)
		}
	}
}
