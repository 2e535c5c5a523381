package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"rallypoint/internal/app"
	"rallypoint/internal/config"
	"rallypoint/internal/db"
	rallypointsdk "rallypoint/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "rp",
	Short: "Rallypoint CLI",
	Long: `Rallypoint turns an approved response plan into a live, coordinated activation.
- Integrations: encrypted connections to chat, ticketing and calendar systems (rp integration).
- Plans: stakeholders, tasks, budgets and bindings, imported from YAML (rp plan import).
- Readiness: a scored gate with blocking warnings that must clear before activation (rp plan readiness).
- Activation: documents, notifications, budget unlocks, channel and tickets, kickoff (rp activate).
- Status: the durable execution timeline, polled by seq (rp status --watch).`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if viper.GetBool("remote") {
			return nil
		}
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("RALLYPOINT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.String("config", "", "config file (default <workspace>/rallypoint.yml)")
	flags.Bool("json", false, "output JSON")
	flags.String("vault-key", "", "base64 vault key (env RALLYPOINT_VAULT_KEY)")
	flags.Bool("remote", false, "talk to a running server instead of the local workspace")
	flags.String("server", "http://127.0.0.1:8080", "server URL for --remote (env RALLYPOINT_SERVER)")
	flags.String("token", "", "bearer token for --remote (env RALLYPOINT_TOKEN)")
	for _, name := range []string{"workspace", "config", "json", "vault-key", "remote", "server", "token"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(vaultCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(integrationCmd())
	rootCmd.AddCommand(activateCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(cancelCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

func loadConfig() (*config.Config, error) {
	if path := viper.GetString("config"); path != "" {
		return config.FromFile(path)
	}
	return config.LoadOptional(viper.GetString("workspace"))
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.Build(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		Config:    cfg,
		VaultKey:  viper.GetString("vault-key"),
	})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func remoteClient() *rallypointsdk.Client {
	return rallypointsdk.New(viper.GetString("server"), viper.GetString("token"))
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default rallypoint.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			return yaml.NewEncoder(os.Stdout).Encode(cfg)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	})
	return cmd
}
