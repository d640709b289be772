package main

import (
	"github.com/spf13/cobra"

	"github.com/legitrack/legitrack/internal/worker"
)

func workerCMD() *cobra.Command {
	var cfgPath string
	var once bool
	var cmd = &cobra.Command{
		Use:   "worker",
		Short: "Run the periodic summarization sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cfgPath)
			if err != nil {
				return err
			}
			defer a.Close()
			w := worker.New(a, a.Cfg.Worker.Cron)
			if once {
				w.Sweep(cmd.Context())
				return nil
			}
			return w.Run(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single sweep and exit")
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file directory (default is .)")
	return cmd
}
