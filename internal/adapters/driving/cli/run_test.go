package cli

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/custodia-labs/harvest-cli/internal/core/domain"
)

// fakeRunner starts, records the call, and returns immediately.
type fakeRunner struct {
	started bool
	err     error
}

func (r *fakeRunner) Start(_ context.Context) error {
	r.started = true
	return r.err
}

func TestRunCmd_Use(t *testing.T) {
	assert.Equal(t, "run", runCmd.Use)
}

func TestRunCmd_ErrorsWithoutRunners(t *testing.T) {
	oldRunners := runners
	runners = nil
	defer func() {
		runners = oldRunners
	}()

	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs([]string{"run"})
	defer func() {
		rootCmd.SetArgs(nil)
	}()

	err := rootCmd.Execute()

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "no background components configured")
}

func TestRunCmd_StartsAllRunners(t *testing.T) {
	oldRunners := runners
	first := &fakeRunner{}
	second := &fakeRunner{}
	SetRunners(first, second)
	defer func() {
		runners = oldRunners
	}()

	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetArgs([]string{"run"})
	defer func() {
		rootCmd.SetArgs(nil)
	}()

	err := rootCmd.Execute()

	assert.NoError(t, err)
	assert.True(t, first.started)
	assert.True(t, second.started)
	assert.Contains(t, buf.String(), "Stopped.")
}

func TestRunCmd_PropagatesRunnerError(t *testing.T) {
	oldRunners := runners
	SetRunners(&fakeRunner{err: domain.ErrUnreachable})
	defer func() {
		runners = oldRunners
	}()

	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs([]string{"run"})
	defer func() {
		rootCmd.SetArgs(nil)
	}()

	err := rootCmd.Execute()

	assert.ErrorIs(t, err, domain.ErrUnreachable)
}

func TestRunCmd_TreatsCancellationAsCleanStop(t *testing.T) {
	oldRunners := runners
	SetRunners(&fakeRunner{err: context.Canceled})
	defer func() {
		runners = oldRunners
	}()

	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetArgs([]string{"run"})
	defer func() {
		rootCmd.SetArgs(nil)
	}()

	err := rootCmd.Execute()

	assert.NoError(t, err)
	assert.Contains(t, buf.String(), "Stopped.")
}
