package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "aafs", cmd.Use)
	assert.Contains(t, cmd.Long, "aftershock forecasting")
}

func TestCommandTree(t *testing.T) {
	cmd := NewRootCommand()
	commands := [][]string{
		{"run"},
		{"init-db"},
		{"intake"},
		{"task", "list"},
		{"task", "submit-shutdown"},
		{"task", "message"},
		{"task", "reload"},
		{"analyst", "start"},
		{"analyst", "stop"},
		{"analyst", "withdraw"},
		{"analyst", "update"},
		{"timeline", "show"},
		{"relay", "status"},
		{"relay", "items"},
		{"relay", "set-mode"},
		{"relay", "fetch"},
	}

	for _, path := range commands {
		found, _, err := cmd.Find(path)
		if assert.NoError(t, err, "aafs %v", path) {
			assert.Equal(t, path[len(path)-1], found.Name())
		}
	}
}

func TestGlobalFlags(t *testing.T) {
	flags := NewRootCommand().PersistentFlags()
	tests := []struct {
		name, short, def string
	}{
		{"verbose", "v", "false"},
		{"format", "", "text"},
		{"config", "c", ""},
		{"db", "", ""},
	}
	for _, tt := range tests {
		f := flags.Lookup(tt.name)
		if !assert.NotNil(t, f, "--%s", tt.name) {
			continue
		}
		assert.Equal(t, tt.short, f.Shorthand, "--%s shorthand", tt.name)
		assert.Equal(t, tt.def, f.DefValue, "--%s default", tt.name)
	}
}

func TestAnalystCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	startCmd, _, err := cmd.Find([]string{"analyst", "start"})
	require.NoError(t, err)

	assert.Equal(t, "normal", startCmd.Flags().Lookup("intake").DefValue)
	assert.Equal(t, "default", startCmd.Flags().Lookup("pdl").DefValue)
	assert.NotNil(t, startCmd.Flags().Lookup("max-lag"))
	assert.NotNil(t, startCmd.Flags().Lookup("extra-lag"))
}

func TestRelaySetModeFlags(t *testing.T) {
	cmd := NewRootCommand()
	setMode, _, err := cmd.Find([]string{"relay", "set-mode"})
	require.NoError(t, err)
	assert.Equal(t, "1", setMode.Flags().Lookup("primary").DefValue)
}

func TestInvalidFormat(t *testing.T) {
	_, err := execute(t, "--db", t.TempDir()+"/aafs.db", "--format", "xml", "init-db")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
