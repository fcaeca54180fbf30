package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// mustFlag unwraps a flag getter. Flags are registered in init, so a lookup
// error is a programming bug, not user input.
func mustFlag[T any](get func(string) (T, error), name string) T {
	val, err := get(name)
	if err != nil {
		panic(fmt.Sprintf("flag --%s: %v", name, err))
	}
	return val
}

func mustGetBool(cmd *cobra.Command, name string) bool {
	return mustFlag(cmd.Flags().GetBool, name)
}

func mustGetInt(cmd *cobra.Command, name string) int {
	return mustFlag(cmd.Flags().GetInt, name)
}

func mustGetString(cmd *cobra.Command, name string) string {
	return mustFlag(cmd.Flags().GetString, name)
}

func mustGetFloat64(cmd *cobra.Command, name string) float64 {
	return mustFlag(cmd.Flags().GetFloat64, name)
}

func mustGetDuration(cmd *cobra.Command, name string) time.Duration {
	return mustFlag(cmd.Flags().GetDuration, name)
}
