package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/legitrack/legitrack/config"
	"github.com/legitrack/legitrack/internal/app"
	"github.com/legitrack/legitrack/internal/fragment"
)

func loadApp(cfgPath string) (*app.App, error) {
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	return app.New(context.Background(), cfg)
}

func summarizeCMD() *cobra.Command {
	var cfgPath string
	var kind string
	var summarize = &cobra.Command{
		Use:   "summarize <owner-id>",
		Short: "Build the summary hierarchy for an act version or document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cfgPath)
			if err != nil {
				return err
			}
			defer a.Close()
			ownerKind := fragment.OwnerKind(kind)
			if ownerKind != fragment.OwnerActVersion && ownerKind != fragment.OwnerDocument {
				return fmt.Errorf("kind must be act_version or document, got %q", kind)
			}
			build, err := a.BuildHierarchy(cmd.Context(), ownerKind, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("build %s: %s, %d levels, root summary %s\n",
				build.ID, build.State, build.Levels, build.RootSummaryID)
			return nil
		},
	}
	summarize.Flags().StringVar(&kind, "kind", string(fragment.OwnerActVersion), "owner kind (act_version or document)")
	summarize.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file directory (default is .)")
	return summarize
}

func compareCMD() *cobra.Command {
	var cfgPath string
	var compare = &cobra.Command{
		Use:   "compare <act-id> <older-version-id> <newer-version-id>",
		Short: "Detect the changeset between two versions of an act",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cfgPath)
			if err != nil {
				return err
			}
			defer a.Close()
			cs, reused, err := a.Compare(cmd.Context(), args[0], args[1], args[2])
			if err != nil {
				return err
			}
			if reused {
				fmt.Printf("changeset %s (reused)\n", cs.ID)
			} else {
				fmt.Printf("changeset %s\n", cs.ID)
			}
			for _, e := range cs.Entries {
				fmt.Printf("  %-8s position %d\n", e.Type, e.Position)
			}
			return nil
		},
	}
	compare.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file directory (default is .)")
	return compare
}

func assessCMD() *cobra.Command {
	var cfgPath string
	var assess = &cobra.Command{
		Use:   "assess <changeset-id>",
		Short: "Run impact assessment for a changeset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cfgPath)
			if err != nil {
				return err
			}
			defer a.Close()
			out, err := a.Assess(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, as := range out {
				fmt.Printf("entry %s doc %s: score %.2f (%s)\n",
					as.ChangeEntryID, as.DocID, as.Score, as.Status)
			}
			return nil
		},
	}
	assess.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file directory (default is .)")
	return assess
}
