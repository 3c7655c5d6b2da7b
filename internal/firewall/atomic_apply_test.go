//go:build linux

package firewall

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestAtomicApplier_SwapScript(t *testing.T) {
	a := NewAtomicApplier(&MockCommandRunner{}, "geoblock")
	got := a.BuildAtomicSwapScript("add table inet geoblock\n")
	assert.Equal(t, "table inet geoblock {}\ndelete table inet geoblock\nadd table inet geoblock\n", got)
}

func TestAtomicApplier_ApplyAtomically(t *testing.T) {
	runner := &MockCommandRunner{}
	runner.On("RunInput", "script", "nft", "-c", "-f", "-").Return(nil)
	runner.On("RunInput", "script", "nft", "-f", "-").Return(nil)

	require.NoError(t, NewAtomicApplier(runner, "geoblock").ApplyAtomically(context.Background(), "script"))
	runner.AssertExpectations(t)
}

func TestAtomicApplier_ApplyFailure(t *testing.T) {
	runner := &MockCommandRunner{}
	runner.On("RunInput", mock.Anything, "nft", "-c", "-f", "-").Return(nil)
	runner.On("RunInput", mock.Anything, "nft", "-f", "-").
		Return(&CommandError{Name: "nft", Err: errors.New("exit status 1"), Output: "Error: Could not process rule: Device or resource busy"})

	err := NewAtomicApplier(runner, "geoblock").ApplyAtomically(context.Background(), "script")
	var ae *ApplyError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "apply", ae.Stage)
	assert.ErrorIs(t, err, ErrApply)
	assert.ErrorIs(t, err, ErrBusy)
	assert.Contains(t, err.Error(), "resource busy")
}

func TestIsBusy(t *testing.T) {
	assert.True(t, isBusy(unix.EBUSY))
	assert.True(t, isBusy(errors.New("netlink receive: device or resource busy")))
	assert.True(t, isBusy(ErrBusy))
	assert.False(t, isBusy(errors.New("no such file or directory")))
	assert.False(t, isBusy(nil))

	assert.ErrorIs(t, busy(unix.EBUSY), ErrBusy)
	assert.NoError(t, busy(nil))
}
