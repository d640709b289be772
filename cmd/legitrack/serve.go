package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/legitrack/legitrack/config"
	"github.com/legitrack/legitrack/internal/app"
	"github.com/legitrack/legitrack/internal/server"
)

func serveCMD() *cobra.Command {
	var cfgPath string
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			a, err := app.New(context.Background(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.ReloadSearchIndex(context.Background()); err != nil {
				a.Logger.Printf("search index warmup: %v", err)
			}
			return server.Run(a)
		},
	}
	serve.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file directory (default is .)")
	return serve
}
