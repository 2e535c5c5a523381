package main

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"rallypoint/internal/app"
	"rallypoint/internal/integration"
	"rallypoint/internal/vault"
)

func integrationCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "integration", Aliases: []string{"int"}, Short: "Manage vendor connections"}
	cmd.AddCommand(integrationConnectCmd())
	cmd.AddCommand(integrationListCmd())
	cmd.AddCommand(integrationTestCmd())
	cmd.AddCommand(integrationHealthCmd())
	cmd.AddCommand(integrationDisconnectCmd())
	return cmd
}

func integrationConnectCmd() *cobra.Command {
	var req integration.ConnectRequest
	var creds, cfg map[string]string
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Store credentials for a vendor and probe them",
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Credentials.Data = map[string]any{}
			for k, v := range creds {
				req.Credentials.Data[k] = v
			}
			if len(cfg) > 0 {
				req.Config = map[string]any{}
				for k, v := range cfg {
					req.Config[k] = v
				}
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				conn, err := a.Integrations.Connect(ctx, req)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(conn)
				}
				fmt.Printf("connection %s (%s/%s) is %s\n", conn.ID, conn.Vendor, conn.IntegrationType, conn.Status)
				if conn.LastError != "" {
					fmt.Println("last error:", conn.LastError)
				}
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.OrganizationID, "org", "", "organization id")
	f.StringVar(&req.Name, "name", "", "display name")
	f.StringVar(&req.Vendor, "vendor", "", "vendor (slack, jira, github, gcal, simulated)")
	f.StringVar(&req.IntegrationType, "type", "", "integration type (chat, ticketing, calendar, directory)")
	f.StringVar(&req.Credentials.Type, "cred-type", "api_key", "credential type")
	f.StringToStringVar(&creds, "cred", nil, "credential fields as key=value")
	f.StringToStringVar(&cfg, "option", nil, "connection config as key=value (e.g. site_url=https://acme.atlassian.net)")
	_ = cmd.MarkFlagRequired("org")
	_ = cmd.MarkFlagRequired("vendor")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func integrationListCmd() *cobra.Command {
	var orgID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List connections",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				conns, err := a.Integrations.List(ctx, orgID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(conns)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Org", "Name", "Vendor", "Type", "Status", "Last tested", "Last error"})
				for _, c := range conns {
					tested := ""
					if c.LastTestedAt != nil {
						tested = *c.LastTestedAt
					}
					tw.AppendRow(table.Row{c.ID, c.OrganizationID, c.Name, c.Vendor, c.IntegrationType, c.Status, tested, c.LastError})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&orgID, "org", "", "organization id filter")
	return cmd
}

func integrationTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test <connection-id>",
		Short: "Probe a connection with its stored credentials",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Integrations.TestConnection(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
}

func integrationHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health <connection-id>",
		Short: "Check connection health",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rep, err := a.Integrations.Health(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(rep)
			})
		},
	}
}

func integrationDisconnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect <connection-id>",
		Short: "Deactivate a connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				conn, err := a.Integrations.Disconnect(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(conn)
				}
				fmt.Printf("connection %s is %s\n", conn.ID, conn.Status)
				return nil
			})
		},
	}
}

func vaultCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "vault", Short: "Credential vault key management"}
	cmd.AddCommand(&cobra.Command{
		Use:   "keygen",
		Short: "Print a new base64 vault key",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := vault.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Println(key)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Verify every stored credential decrypts under the current key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				bad, err := a.Integrations.CheckBlobs(ctx)
				if err != nil {
					return err
				}
				if len(bad) == 0 {
					fmt.Println("all credentials decrypt")
					return nil
				}
				ids := make([]string, 0, len(bad))
				for id := range bad {
					ids = append(ids, id)
				}
				sort.Strings(ids)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Connection", "Error"})
				for _, id := range ids {
					tw.AppendRow(table.Row{id, bad[id].Error()})
				}
				tw.Render()
				return fmt.Errorf("%d connection(s) failed integrity check", len(bad))
			})
		},
	})
	return cmd
}
