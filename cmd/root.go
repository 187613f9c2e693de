// Package cmd contains all the commands included in the binary file.
package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// NewRootCommand enables all children commands to read flags from CLI
// flags, environment variables prefixed with CASCADE, or config.yaml (in
// that order).
func NewRootCommand() *cobra.Command {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix("CASCADE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	configPaths := []string{"/etc/cascade", "$HOME/.cascade", "."}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	_ = viper.ReadInConfig()

	return &cobra.Command{
		Use:   "cascade",
		Short: "Inspect and plan cascading deletions over a relational schema",
		Long: `cascade resolves the consequences of deleting records in a relational
schema: which rows cascade, which relations protect or restrict the deletion,
which fields get rewritten, and in what order the work must happen.`,
	}
}
