package cluster

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SanjoDeundiak/cluster-harness/pkg/lib"
)

func TestBuildRunsCommandAndFindsArtifact(t *testing.T) {
	dir := t.TempDir()
	artifact := filepath.Join(dir, "target", "node")
	var out bytes.Buffer

	err := Build(context.Background(), BuildSpec{
		Command:  []string{"sh", "-c", "echo compiling; mkdir -p target && printf '#!/bin/sh\\n' > target/node && chmod +x target/node"},
		Dir:      dir,
		Artifact: artifact,
		Timeout:  time.Second,
		Output:   &out,
	})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "compiling")
	assert.FileExists(t, artifact)
}

func TestBuildCommandFailure(t *testing.T) {
	err := Build(context.Background(), BuildSpec{
		Command:  []string{"sh", "-c", "exit 2"},
		Artifact: filepath.Join(t.TempDir(), "node"),
	})
	assert.ErrorIs(t, err, lib.ErrBuildFailure)
}

func TestBuildArtifactMissing(t *testing.T) {
	start := time.Now()
	err := Build(context.Background(), BuildSpec{
		Artifact: filepath.Join(t.TempDir(), "node"),
		Timeout:  200 * time.Millisecond,
	})
	assert.ErrorIs(t, err, lib.ErrBuildFailure)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestBuildWaitsForLateArtifact(t *testing.T) {
	artifact := filepath.Join(t.TempDir(), "node")
	time.AfterFunc(100*time.Millisecond, func() {
		_ = os.WriteFile(artifact, []byte("#!/bin/sh\n"), 0o755)
	})

	err := Build(context.Background(), BuildSpec{Artifact: artifact, Timeout: 3 * time.Second})
	assert.NoError(t, err)
}

func TestBuildArtifactIsDirectory(t *testing.T) {
	err := Build(context.Background(), BuildSpec{Artifact: t.TempDir(), Timeout: time.Minute})
	assert.ErrorIs(t, err, lib.ErrBuildFailure)
}
