package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/npezzotti/swapchat/internal/types"
	"github.com/spf13/cobra"
)

func newCallsCmd(opts *globalOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "calls",
		Short: "Call record commands",
	}

	cmd.AddCommand(newCallsActiveCmd(opts))
	cmd.AddCommand(newCallsHistoryCmd(opts))
	return cmd
}

func newCallsActiveCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "active",
		Short: "List calls that are still in progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := opts.api()
			if err != nil {
				return err
			}

			calls, err := api.ActiveCalls(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(calls) == 0 {
				fmt.Fprintln(out, "No active calls")
				return nil
			}
			return writeCalls(out, calls)
		},
	}
}

func newCallsHistoryCmd(opts *globalOpts) *cobra.Command {
	var (
		page  int
		limit int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List finished calls, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := opts.api()
			if err != nil {
				return err
			}

			p, err := api.CallHistory(cmd.Context(), page, limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(p.Calls) == 0 {
				fmt.Fprintln(out, "No calls")
				return nil
			}
			if err := writeCalls(out, p.Calls); err != nil {
				return err
			}
			fmt.Fprintf(out, "Page %d, %d of %d calls\n", p.Pagination.Page, len(p.Calls), p.Pagination.Total)
			return nil
		},
	}

	cmd.Flags().IntVar(&page, "page", 1, "page number")
	cmd.Flags().IntVar(&limit, "limit", 20, "calls per page")
	return cmd
}

func writeCalls(out io.Writer, calls []types.Call) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCALLER\tRECIPIENT\tKIND\tSTATUS\tSTARTED\tDURATION")
	for _, c := range calls {
		kind := "audio"
		if c.IsVideoCall {
			kind = "video"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			c.Id, c.Caller.Username, c.Recipient.Username, kind, c.Status,
			formatTime(c.StartedAt), time.Duration(c.DurationSeconds)*time.Second)
	}
	return w.Flush()
}
