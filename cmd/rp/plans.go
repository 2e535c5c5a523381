package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"rallypoint/internal/app"
	"rallypoint/internal/readiness"
)

func planCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "plan", Short: "Manage response plans"}
	cmd.AddCommand(planImportCmd())
	cmd.AddCommand(planListCmd())
	cmd.AddCommand(planShowCmd())
	cmd.AddCommand(planReadinessCmd())
	return cmd
}

func planImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.yml>",
		Short: "Create or replace a plan from YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Plans.Import(ctx, data)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Printf("imported plan %s (%s, %d stakeholders, %d tasks)\n", p.ID, p.Status, len(p.Stakeholders), len(p.Tasks))
				return nil
			})
		},
	}
}

func planListCmd() *cobra.Command {
	var orgID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List plans",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				plans, err := a.Plans.List(ctx, orgID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(plans)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Org", "Title", "Status", "Stakeholders", "Tasks", "Updated"})
				for _, p := range plans {
					tw.AppendRow(table.Row{p.ID, p.OrganizationID, p.Title, p.Status, len(p.Stakeholders), len(p.Tasks), p.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&orgID, "org", "", "organization id filter")
	return cmd
}

func planShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <plan-id>",
		Short: "Show a plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Plans.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func planReadinessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "readiness <plan-id>",
		Short: "Evaluate whether a plan can be activated",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if viper.GetBool("remote") {
				rep, err := remoteClient().Readiness(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(rep)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rep, err := a.Readiness.Assess(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				printReadiness(rep)
				return nil
			})
		},
	}
}

func printReadiness(rep readiness.Report) {
	verdict := "ready"
	if !rep.CanProceed {
		verdict = "blocked"
	}
	fmt.Printf("score %d/100, %s, %d critical, ~%d min\n", rep.ReadinessScore, verdict, rep.CriticalIssues, rep.EstimatedCompletionMinutes)
	if len(rep.Warnings) == 0 {
		return
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Severity", "Category", "Code", "Title", "Tasks", "Suggested action"})
	for _, w := range rep.Warnings {
		tw.AppendRow(table.Row{w.Severity, w.Category, w.Code, w.Title, strings.Join(w.AffectedTasks, ","), w.SuggestedAction})
	}
	tw.Render()
}
