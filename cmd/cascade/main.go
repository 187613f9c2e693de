package main

import (
	"os"

	"github.com/cascade-orm/cascade/cmd"
)

func main() {
	rootCmd := cmd.NewRootCommand()

	planCmd := cmd.NewPlanCommand()
	rootCmd.AddCommand(planCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
