package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubprocessBackendNameAndRejectsEmptyCommand(t *testing.T) {
	b := NewSubprocessBackend()
	assert.Equal(t, "subprocess", b.Name())

	_, err := b.NewSupervisor(&JobConfig{JobID: "j1"})
	assert.Error(t, err)
}

func TestSubprocessSupervisorRunsToCompletion(t *testing.T) {
	b := NewSubprocessBackend()
	workDir := t.TempDir()

	sup, err := b.NewSupervisor(&JobConfig{
		JobID:        "j1",
		Command:      []string{"sh", "-c", "echo $TRAINFORGE_JOB_ID > out.txt"},
		WorkspaceDir: workDir,
		Env:          map[string]string{"TRAINFORGE_JOB_ID": "j1"},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, sup.Start(ctx))

	exitCode, err := sup.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, exitCode)
	assert.True(t, sup.IsComplete())

	require.NoError(t, sup.Cleanup(context.Background()))

	data, err := os.ReadFile(filepath.Join(workDir, "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "j1\n", string(data))
}

func TestSubprocessSupervisorNonZeroExit(t *testing.T) {
	b := NewSubprocessBackend()
	sup, err := b.NewSupervisor(&JobConfig{
		JobID:        "j2",
		Command:      []string{"sh", "-c", "exit 3"},
		WorkspaceDir: t.TempDir(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, sup.Start(ctx))
	exitCode, err := sup.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, exitCode)
}

func TestSubprocessSupervisorStop(t *testing.T) {
	b := NewSubprocessBackend()
	sup, err := b.NewSupervisor(&JobConfig{
		JobID:        "j3",
		Command:      []string{"sleep", "30"},
		WorkspaceDir: t.TempDir(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, sup.Start(ctx))
	require.NoError(t, sup.Stop(ctx))

	exitCode, err := sup.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, -1, exitCode)
	assert.True(t, sup.IsComplete())
}
