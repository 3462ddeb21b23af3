package cli

import (
	"bytes"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "ulp", cmd.Use)
	assert.Contains(t, cmd.Long, "Fano-plane")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"run", "simulate", "quorum", "crt", "test"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
}

func TestInvalidFormatIsCommandError(t *testing.T) {
	cmd := NewRootCommand()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"--format", "yaml", "crt", "unfold", "10", "3"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid format")
}

func TestWithLevel(t *testing.T) {
	t.Run("nil logger falls back to nop", func(t *testing.T) {
		opts := &RootOptions{}
		assert.NotNil(t, opts.withLevel("warn"))
	})

	t.Run("config level raises the floor", func(t *testing.T) {
		opts := &RootOptions{Logger: zap.NewExample()}
		logger := opts.withLevel("warn")
		assert.False(t, logger.Core().Enabled(zap.InfoLevel))
		assert.True(t, logger.Core().Enabled(zap.WarnLevel))
	})

	t.Run("verbose wins", func(t *testing.T) {
		opts := &RootOptions{Logger: zap.NewExample(), Verbose: true}
		assert.True(t, opts.withLevel("error").Core().Enabled(zap.DebugLevel))
	})

	t.Run("unknown level is ignored", func(t *testing.T) {
		opts := &RootOptions{Logger: zap.NewExample()}
		assert.True(t, opts.withLevel("loud").Core().Enabled(zap.DebugLevel))
	})
}

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestCRTSolve(t *testing.T) {
	out, err := execute(t, "crt", "solve", "2:3", "3:5", "2:7")
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "crt_solve", []byte(out))
}

func TestCRTSolveErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		code int
	}{
		{"not coprime", []string{"1:4", "3:6"}, ExitFailure},
		{"malformed pair", []string{"1-4"}, ExitCommandError},
		{"bad modulus", []string{"1:x"}, ExitCommandError},
		{"zero modulus", []string{"1:0"}, ExitFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, append([]string{"crt", "solve"}, tt.args...)...)
			require.Error(t, err)
			assert.Equal(t, tt.code, GetExitCode(err))
			assert.Contains(t, out, "Error ["+CodeInput+"]")
		})
	}
}

func TestCRTUnfold(t *testing.T) {
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)

	out, err := execute(t, "crt", "unfold", "100", "7")
	require.NoError(t, err)
	g.Assert(t, "crt_unfold", []byte(out))

	out, err = execute(t, "crt", "unfold", "--", "-1", "7")
	require.NoError(t, err)
	g.Assert(t, "crt_unfold_negative", []byte(out))
}

func TestCRTUnfoldJSON(t *testing.T) {
	out, err := execute(t, "--format", "json", "crt", "unfold", "23", "5")
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"ok","data":{"n":23,"L":4,"A":3,"B":5}}`, out)
}

func TestCRTUnfoldInvalidBase(t *testing.T) {
	_, err := execute(t, "crt", "unfold", "10", "0")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
