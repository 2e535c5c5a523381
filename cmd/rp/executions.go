package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"rallypoint/internal/app"
	"rallypoint/internal/domain"
	"rallypoint/internal/orchestrator"
	rallypointsdk "rallypoint/sdk/go"
)

func activateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "activate <plan-id>",
		Short: "Activate a plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if viper.GetBool("remote") {
				res, err := remoteClient().Activate(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Orchestrator.Activate(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				printResult(res)
				if !res.Success {
					return fmt.Errorf("activation %s finished %s", res.InstanceID, res.Status)
				}
				return nil
			})
		},
	}
}

func printResult(res orchestrator.Result) {
	fmt.Printf("instance %s %s (readiness %d, deadline %s)\n", res.InstanceID, res.Status, res.ReadinessScore, res.DeadlineAt)
	fmt.Printf("documents %d, notified %d, budget unlocked %.2f\n", res.DocumentsGenerated, res.StakeholdersNotified, res.BudgetUnlocked)
	if ps := res.ProjectSync; ps != nil {
		fmt.Printf("project sync %s: channel %s, %d ticket(s)\n", ps.Status, ps.ChannelID, len(ps.TicketKeys))
	}
	printEvents(res.Events)
	for _, e := range res.Errors {
		fmt.Println("error:", e)
	}
}

func printEvents(evs []domain.ExecutionEvent) {
	if len(evs) == 0 {
		return
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Seq", "Type", "OK", "Duration", "At"})
	for _, e := range evs {
		tw.AppendRow(table.Row{e.Seq, e.Type, e.Success, (time.Duration(e.DurationMs) * time.Millisecond).String(), e.CreatedAt})
	}
	tw.Render()
}

func printEventLine(seq int64, typ string, ok bool, durationMs int64) {
	mark := "ok"
	if !ok {
		mark = "FAILED"
	}
	fmt.Printf("#%d %s %s (%dms)\n", seq, typ, mark, durationMs)
}

func statusCmd() *cobra.Command {
	var watch bool
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "status <instance-id>",
		Short: "Show an activation's status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			if viper.GetBool("remote") {
				c := remoteClient()
				if !watch {
					snap, err := c.Status(cmd.Context(), id)
					if err != nil {
						return err
					}
					return printJSONOrTable(snap)
				}
				if interval > 0 {
					c.PollInterval = interval
				}
				page, err := c.Watch(cmd.Context(), id, 0, func(e rallypointsdk.Event) {
					printEventLine(e.Seq, e.Type, e.Success, e.DurationMs)
				})
				if err != nil {
					return err
				}
				fmt.Println("status:", page.Status)
				return nil
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if watch {
					return watchLocal(ctx, a, id, interval)
				}
				snap, err := a.Status.Get(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(snap)
				}
				inst := snap.Instance
				fmt.Printf("instance %s %s, phase %s\n", inst.ID, inst.Status, inst.CurrentPhase)
				fmt.Printf("deadline %s, overdue %t, %ds remaining\n", snap.Deadline, snap.Overdue, snap.RemainingSeconds)
				fmt.Printf("acknowledged %d/%d\n", snap.Acknowledged, len(snap.Acknowledgments))
				printEvents(snap.Events)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "follow events until the activation ends")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "poll interval for --watch")
	return cmd
}

func watchLocal(ctx context.Context, a *app.App, id string, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	var cursor int64
	for {
		page, err := a.Status.EventsAfter(ctx, id, cursor)
		if err != nil {
			return err
		}
		for _, e := range page.Events {
			printEventLine(e.Seq, e.Type, e.Success, e.DurationMs)
		}
		cursor = page.Cursor
		if page.Terminal {
			fmt.Println("status:", page.Status)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <instance-id>",
		Short: "Cancel an activation",
		Long:  "Cancels a run in flight on the server (--remote) or closes out an instance left running by a crashed process.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if viper.GetBool("remote") {
				inst, err := remoteClient().Cancel(cmd.Context(), args[0])
				if err != nil {
					var apiErr *rallypointsdk.APIError
					if errors.As(err, &apiErr) && apiErr.Code == "precondition_failed" {
						return fmt.Errorf("cannot cancel: %s", apiErr.Message)
					}
					return err
				}
				return printJSONOrTable(inst)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				inst, err := a.Orchestrator.Cancel(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(inst)
			})
		},
	}
}
