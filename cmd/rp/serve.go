package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"rallypoint/internal/app"
	"rallypoint/internal/server"
)

const jwtSecretEnv = "RALLYPOINT_JWT_SECRET"

func serveCmd() *cobra.Command {
	var addr string
	var basePath string
	var devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := strings.TrimSpace(viper.GetString("jwt-secret"))
			if secret == "" {
				return fmt.Errorf("%s is required", jwtSecretEnv)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if addr == "" {
					addr = a.Config.Server.Addr
				}
				if basePath == "" {
					basePath = a.Config.Server.BasePath
				}
				handler, err := server.New(server.Config{
					App:      a,
					BasePath: basePath,
					Auth: server.AuthConfig{
						JWTSecret: secret,
						DevLogin:  devLogin,
						Logger:    a.Logger.Named("auth"),
					},
				})
				if err != nil {
					return err
				}
				srv := &http.Server{
					Addr:              addr,
					Handler:           handler,
					ReadHeaderTimeout: 10 * time.Second,
				}
				if devLogin {
					a.Logger.Warn("dev login enabled; tokens are issued without credentials")
				}

				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					a.Webhooks.Run(gctx)
					return nil
				})
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
				g.Go(func() error {
					fmt.Printf("serving on http://%s%s\n", addr, basePath)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return context.Canceled
				})
				if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "enable POST <base>/auth/dev-login")
	cmd.Flags().String("jwt-secret", "", "HS256 secret (env "+jwtSecretEnv+")")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject, orgID string
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the API",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := strings.TrimSpace(viper.GetString("jwt-secret"))
			if secret == "" {
				return fmt.Errorf("%s is required", jwtSecretEnv)
			}
			tok, err := server.SignToken(secret, subject, orgID, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "cli", "token subject")
	cmd.Flags().StringVar(&orgID, "org", "", "organization scope (empty for unscoped)")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role claim (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
