package graphstate

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/skygraph/internal/nodekey"
)

func TestNewEntryStartsNew(t *testing.T) {
	e := NewEntry(nodekey.New("t", "a"))
	assert.Equal(t, New, e.State())
	v, ok := e.Value()
	assert.False(t, ok)
	assert.Nil(t, v)
}

func TestCompleteBuildFirstTimeAlwaysChanges(t *testing.T) {
	e := NewEntry(nodekey.New("t", "a"))
	changed := e.CompleteBuild("v1", true, nil, nodekey.IntVersion(1), nil)
	require.True(t, changed)
	v, ok := e.Value()
	assert.True(t, ok)
	assert.Equal(t, "v1", v)
	assert.Equal(t, nodekey.IntVersion(1), e.LastChangedVersion())
	assert.Equal(t, nodekey.IntVersion(1), e.LastEvaluatedVersion())
	assert.Equal(t, Done, e.State())
}

func TestCompleteBuildSuppressesUnchangedValue(t *testing.T) {
	e := NewEntry(nodekey.New("t", "a"))
	e.CompleteBuild("v1", true, nil, nodekey.IntVersion(1), nil)

	changed := e.CompleteBuild("v1", true, nil, nodekey.IntVersion(2), nil)
	assert.False(t, changed)
	assert.Equal(t, nodekey.IntVersion(1), e.LastChangedVersion(), "unchanged value retains old LastChangedVersion")
	assert.Equal(t, nodekey.IntVersion(2), e.LastEvaluatedVersion(), "LastEvaluatedVersion always advances")
}

func TestCompleteBuildRecordsChange(t *testing.T) {
	e := NewEntry(nodekey.New("t", "a"))
	e.CompleteBuild("v1", true, nil, nodekey.IntVersion(1), nil)

	changed := e.CompleteBuild("v2", true, nil, nodekey.IntVersion(2), nil)
	assert.True(t, changed)
	assert.Equal(t, nodekey.IntVersion(2), e.LastChangedVersion())
}

func TestCompleteBuildWithError(t *testing.T) {
	e := NewEntry(nodekey.New("t", "a"))
	buildErr := errors.New("boom")
	e.CompleteBuild(nil, false, buildErr, nodekey.IntVersion(1), nil)

	assert.Equal(t, Done, e.State())
	assert.True(t, e.IsErroneous())
	assert.Equal(t, buildErr, e.Err())
	_, ok := e.Value()
	assert.False(t, ok)
}

func TestMarkRevalidatedKeepsLastChangedVersion(t *testing.T) {
	e := NewEntry(nodekey.New("t", "a"))
	e.CompleteBuild("v1", true, nil, nodekey.IntVersion(1), nil)
	e.MarkDirty(false)
	assert.Equal(t, Dirty, e.State())

	e.MarkRevalidated(nodekey.IntVersion(2))
	assert.Equal(t, Done, e.State())
	assert.Equal(t, nodekey.IntVersion(1), e.LastChangedVersion())
	assert.Equal(t, nodekey.IntVersion(2), e.LastEvaluatedVersion())
	v, ok := e.Value()
	assert.True(t, ok)
	assert.Equal(t, "v1", v)
}

func TestMarkDeletedClearsEverything(t *testing.T) {
	e := NewEntry(nodekey.New("t", "a"))
	e.CompleteBuild("v1", true, nil, nodekey.IntVersion(1), DepGroups{{nodekey.New("t", "b")}})
	e.AddRdep(nodekey.New("t", "c"))

	e.MarkDeleted()
	assert.Equal(t, Deleted, e.State())
	_, ok := e.Value()
	assert.False(t, ok)
	assert.Nil(t, e.Err())
	assert.Empty(t, e.Deps())
	assert.Empty(t, e.Rdeps())
}

func TestInjectHasEmptyDeps(t *testing.T) {
	e := NewEntry(nodekey.New("t", "a"))
	e.Inject("v1", nodekey.IntVersion(1))

	assert.Equal(t, Done, e.State())
	v, ok := e.Value()
	assert.True(t, ok)
	assert.Equal(t, "v1", v)
	assert.False(t, e.HasDerivedDeps())
}

func TestRdepBookkeeping(t *testing.T) {
	e := NewEntry(nodekey.New("t", "a"))
	dep := nodekey.New("t", "dependent")

	assert.False(t, e.HasRdep(dep))
	e.AddRdep(dep)
	assert.True(t, e.HasRdep(dep))
	e.RemoveRdep(dep)
	assert.False(t, e.HasRdep(dep))
}

func TestPendingSignalAccounting(t *testing.T) {
	e := NewEntry(nodekey.New("t", "a"))
	e.SetPending(3)
	assert.Equal(t, int32(2), e.SignalDep())
	assert.Equal(t, int32(1), e.SignalDep())
	assert.Equal(t, int32(0), e.SignalDep())
}

func TestCustomEqualFunc(t *testing.T) {
	e := NewEntry(nodekey.New("t", "a"))
	e.SetEqualFunc(func(a, b any) bool { return true }) // always "unchanged"
	e.CompleteBuild("v1", true, nil, nodekey.IntVersion(1), nil)

	changed := e.CompleteBuild("v2", true, nil, nodekey.IntVersion(2), nil)
	assert.False(t, changed)
}
