package lock

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	dir := t.TempDir()

	l, err := Acquire(dir, 32768)
	require.NoError(t, err)
	require.FileExists(t, l.Path())

	require.NoError(t, l.Release())
	assert.NoFileExists(t, filepath.Join(dir, "llmlb.32768.lock"))
}

func TestAcquire_HeldByLiveProcess(t *testing.T) {
	dir := t.TempDir()

	l, err := Acquire(dir, 9000)
	require.NoError(t, err)
	defer l.Release()

	// Same process counts as alive, so a second acquire must fail.
	_, err = Acquire(dir, 9000)
	require.Error(t, err)
	var held *ErrHeld
	require.ErrorAs(t, err, &held)
	assert.Equal(t, os.Getpid(), held.PID)
}

func TestAcquire_BreaksStaleLock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "llmlb.9001.lock")

	// PID that cannot exist.
	require.NoError(t, os.WriteFile(path, []byte("999999999\n"), 0o644))

	l, err := Acquire(dir, 9001)
	require.NoError(t, err)
	defer l.Release()
}

func TestAcquire_DifferentPortsIndependent(t *testing.T) {
	dir := t.TempDir()

	l1, err := Acquire(dir, 9100)
	require.NoError(t, err)
	defer l1.Release()

	l2, err := Acquire(dir, 9101)
	require.NoError(t, err)
	defer l2.Release()
}
