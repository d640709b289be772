package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var root = &cobra.Command{Use: "legitrack"}

	root.AddCommand(serveCMD(), migrateCMD(), summarizeCMD(), compareCMD(), assessCMD(), workerCMD())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
