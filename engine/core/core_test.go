package core

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	SetLogOutput(io.Discard)
	os.Exit(m.Run())
}

func TestIdentifiers(t *testing.T) {
	owner := &struct{ name string }{"a"}
	id := IdentifierAquireNewID(owner)
	got, ok := IdentifierOwner(id)
	require.True(t, ok)
	assert.Same(t, owner, got)

	other := IdentifierAquireNewID("b")
	assert.NotEqual(t, id, other)

	require.NoError(t, IdentifierReleaseID(id))
	_, ok = IdentifierOwner(id)
	assert.False(t, ok)

	// released slots are reused
	again := IdentifierAquireNewID("c")
	assert.Equal(t, id, again)
	require.NoError(t, IdentifierReleaseID(again))
	require.NoError(t, IdentifierReleaseID(other))

	assert.Error(t, IdentifierReleaseID(1<<30))
}

func TestSetLogLevel(t *testing.T) {
	require.NoError(t, SetLogLevel("debug"))
	assert.Error(t, SetLogLevel("chatty"))
	require.NoError(t, SetLogLevel("info"))
}

func TestAssert(t *testing.T) {
	if assertPanics {
		assert.Panics(t, func() { Assert(false, "broken %d", 1) })
		return
	}
	assert.True(t, Assert(true, "fine"))
	assert.False(t, Assert(false, "broken %d", 1))
}

func TestMetricsSub(t *testing.T) {
	before := MetricsSnapshot()
	MetricsBlasBuilt()
	MetricsBlasBuilt()
	MetricsTlasFailed()
	delta := MetricsSnapshot().Sub(before)
	assert.Equal(t, int64(2), delta.BlasBuilt)
	assert.Equal(t, int64(1), delta.TlasFailures)
	assert.Zero(t, delta.TlasBuilt)
}

func TestLogKeepsPercentInErrors(t *testing.T) {
	var out bytes.Buffer
	SetLogOutput(&out)
	t.Cleanup(func() { SetLogOutput(io.Discard) })

	LogError("%s", errors.New("disk 100% full"))
	LogWarn("%s", fmt.Errorf("%w: name '%s'", ErrInvalidArgument, "50%d"))

	assert.Contains(t, out.String(), "disk 100% full")
	assert.Contains(t, out.String(), "name '50%d'")
	assert.NotContains(t, out.String(), "%!")
}
