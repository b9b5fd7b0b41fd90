package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/zjrosen/countermgr/internal/log"
	"github.com/zjrosen/countermgr/internal/orchestration/api"
)

const requestTimeout = 10 * time.Second

var childrenJSON bool

var childrenCmd = &cobra.Command{
	Use:     "children",
	Aliases: []string{"child", "c"},
	Short:   "Create, update and list counter children on a running daemon",
	Long: `Talk to a running 'countermgr daemon'.

create, increment and reset return as soon as the request has been sent to
the environment; the registry reflects the change once it is confirmed. Use
'children list' to see the confirmed state and 'children count' to read a
child directly from the environment.`,
}

var childrenCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new child with count 0",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			return runCreate(ctx, cmd.OutOrStdout(), c)
		})
	},
}

var childrenIncrementCmd = &cobra.Command{
	Use:     "increment <address>",
	Aliases: []string{"inc"},
	Short:   "Add one to a child's count",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			return runIncrement(ctx, cmd.OutOrStdout(), c, args[0])
		})
	},
}

var childrenResetCmd = &cobra.Command{
	Use:   "reset <address> <count>",
	Short: "Set a child's count",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		count, err := strconv.ParseInt(args[1], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid count %q: must be a signed 32-bit integer", args[1])
		}
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			return runReset(ctx, cmd.OutOrStdout(), c, args[0], int32(count))
		})
	},
}

var childrenListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List the children in the registry",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			return runList(ctx, cmd.OutOrStdout(), c)
		})
	},
}

var childrenCountCmd = &cobra.Command{
	Use:   "count <address>",
	Short: "Read a child's count directly from the environment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			return runCount(ctx, cmd.OutOrStdout(), c, args[0])
		})
	},
}

func init() {
	childrenCmd.PersistentFlags().BoolVar(&childrenJSON, "json", false, "print JSON instead of text")
	childrenCmd.AddCommand(childrenCreateCmd, childrenIncrementCmd, childrenResetCmd, childrenListCmd, childrenCountCmd)
	rootCmd.AddCommand(childrenCmd)
}

func withClient(cmd *cobra.Command, fn func(context.Context, *api.Client) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()
	if err := fn(ctx, api.NewClient(cfg.API.Addr)); err != nil {
		log.ErrorErr(log.CatCLI, "Request failed", err, "command", cmd.Name(), "addr", cfg.API.Addr)
		return err
	}
	return nil
}

func runCreate(ctx context.Context, w io.Writer, c *api.Client) error {
	resp, err := c.CreateChild(ctx)
	if err != nil {
		return fmt.Errorf("creating child: %w", err)
	}
	return printAccepted(w, "create", resp)
}

func runIncrement(ctx context.Context, w io.Writer, c *api.Client, address string) error {
	resp, err := c.Increment(ctx, address)
	if err != nil {
		return fmt.Errorf("incrementing %s: %w", address, err)
	}
	return printAccepted(w, "increment "+address, resp)
}

func runReset(ctx context.Context, w io.Writer, c *api.Client, address string, count int32) error {
	resp, err := c.Reset(ctx, address, count)
	if err != nil {
		return fmt.Errorf("resetting %s: %w", address, err)
	}
	return printAccepted(w, fmt.Sprintf("reset %s to %d", address, count), resp)
}

func runList(ctx context.Context, w io.Writer, c *api.Client) error {
	resp, err := c.List(ctx)
	if err != nil {
		return fmt.Errorf("listing children: %w", err)
	}
	if childrenJSON {
		return writeJSON(w, resp)
	}
	if resp.Total == 0 {
		_, err := fmt.Fprintln(w, "No children.")
		return err
	}

	table := tablewriter.NewWriter(w)
	table.Header("Address", "Count")
	for _, child := range resp.Contracts {
		if err := table.Append([]string{child.State.Address, strconv.FormatInt(int64(child.State.Count), 10)}); err != nil {
			return err
		}
	}
	if err := table.Render(); err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%d children\n", resp.Total)
	return err
}

func runCount(ctx context.Context, w io.Writer, c *api.Client, address string) error {
	resp, err := c.Count(ctx, address)
	if err != nil {
		return fmt.Errorf("reading %s: %w", address, err)
	}
	if childrenJSON {
		return writeJSON(w, resp)
	}
	_, err = fmt.Fprintf(w, "%s: %d\n", resp.Address, resp.Count)
	return err
}

func printAccepted(w io.Writer, what string, resp api.AcceptedResponse) error {
	if childrenJSON {
		return writeJSON(w, resp)
	}
	_, err := fmt.Fprintf(w, "%s sent (command %s)\n", what, resp.CommandID)
	return err
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
