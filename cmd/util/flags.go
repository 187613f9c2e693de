// Package util contains helpers shared by the commands.
package util

import (
	"fmt"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// MustBindPFlag binds a cobra flag into viper's config space and panics on
// failure; binding only fails on programmer error (a nil or unknown flag).
func MustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("failed to bind flag %q: %v", key, err))
	}
}
