package cmd

import (
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMustGetFlags(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().Bool("discover", false, "")
	cmd.Flags().Int("port", 0, "")
	cmd.Flags().String("file", "", "")
	cmd.Flags().Float64("threshold", 0.6, "")
	cmd.Flags().Duration("timeout", time.Minute, "")
	require.NoError(t, cmd.Flags().Parse([]string{"--discover", "--port=9090", "--file=sites.yaml", "--timeout=5s"}))

	assert.True(t, mustGetBool(cmd, "discover"))
	assert.Equal(t, 9090, mustGetInt(cmd, "port"))
	assert.Equal(t, "sites.yaml", mustGetString(cmd, "file"))
	assert.InDelta(t, 0.6, mustGetFloat64(cmd, "threshold"), 1e-9)
	assert.Equal(t, 5*time.Second, mustGetDuration(cmd, "timeout"))
}

func TestMustGetFlags_PanicsOnUnknownFlag(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("file", "", "")

	assert.Panics(t, func() { mustGetInt(cmd, "port") }, "undefined flag")
	assert.Panics(t, func() { mustGetBool(cmd, "file") }, "wrong type")
}
