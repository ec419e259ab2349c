package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/skygraph/internal/eval"
	"github.com/vk/skygraph/internal/invalidate"
	"github.com/vk/skygraph/internal/nodekey"
)

func ctx() context.Context {
	c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = cancel
	return c
}

// S6 — injection: inject(K, v1) then update([K]) yields v1 without
// invoking a builder; re-injecting v2 invalidates every rdep.
func TestInjectionIsolationAndReinjectInvalidatesRdeps(t *testing.T) {
	reg := eval.NewRegistry()
	var rdepBuilds int32

	kKey := nodekey.New("k", 0)
	rKey := nodekey.New("r", 0)

	reg.Register("r", eval.BuilderFunc(func(_ context.Context, _ nodekey.Key, env *eval.Environment) (any, error) {
		v, ok := env.GetValue(kKey)
		if env.ValuesMissing() {
			return nil, nil
		}
		atomic.AddInt32(&rdepBuilds, 1)
		require.True(t, ok)
		return "r:" + v.(string), nil
	}))

	e := New(reg, nil)
	require.NoError(t, e.Inject(map[nodekey.Key]any{kKey: "v1"}))

	res, err := e.Update(ctx(), []nodekey.Key{kKey}, true, 2)
	require.NoError(t, err)
	assert.Equal(t, "v1", res.Roots[kKey].Value)

	res, err = e.Update(ctx(), []nodekey.Key{rKey}, true, 2)
	require.NoError(t, err)
	assert.Equal(t, "r:v1", res.Roots[rKey].Value)
	assert.EqualValues(t, 1, atomic.LoadInt32(&rdepBuilds))

	require.NoError(t, e.Inject(map[nodekey.Key]any{kKey: "v2"}))
	res, err = e.Update(ctx(), []nodekey.Key{rKey}, true, 2)
	require.NoError(t, err)
	assert.Equal(t, "r:v2", res.Roots[rKey].Value)
	assert.EqualValues(t, 2, atomic.LoadInt32(&rdepBuilds), "re-injection must invalidate the rdep")
}

// Injecting over a node with derived (builder-produced) deps must fail
// with ErrInjectConflict, and must not touch anything — all or nothing.
func TestInjectRejectsOverwritingADerivedNode(t *testing.T) {
	reg := eval.NewRegistry()
	bKey := nodekey.New("b", 0)
	aKey := nodekey.New("a", 0)

	reg.Register("b", eval.BuilderFunc(func(context.Context, nodekey.Key, *eval.Environment) (any, error) {
		return 1, nil
	}))
	reg.Register("a", eval.BuilderFunc(func(_ context.Context, _ nodekey.Key, env *eval.Environment) (any, error) {
		v, ok := env.GetValue(bKey)
		if env.ValuesMissing() {
			return nil, nil
		}
		require.True(t, ok)
		return v, nil
	}))

	e := New(reg, nil)
	_, err := e.Update(ctx(), []nodekey.Key{aKey}, true, 2)
	require.NoError(t, err)

	err = e.Inject(map[nodekey.Key]any{aKey: 99})
	assert.ErrorIs(t, err, invalidate.ErrInjectConflict)
}

// TestInvalidateErrorsRebuildsErroneousNode exercises Engine's
// InvalidateErrors end to end: a node whose builder fails on its first
// attempt and succeeds on the next is rebuilt clean by InvalidateErrors
// followed by Update.
func TestInvalidateErrorsRebuildsErroneousNode(t *testing.T) {
	reg := eval.NewRegistry()
	var attempts int32

	kKey := nodekey.New("k", 0)
	reg.Register("k", eval.BuilderFunc(func(context.Context, nodekey.Key, *eval.Environment) (any, error) {
		n := atomic.AddInt32(&attempts, 1)
		if n == 1 {
			return nil, errors.New("first attempt fails")
		}
		return "ok", nil
	}))

	e := New(reg, nil)
	res, err := e.Update(ctx(), []nodekey.Key{kKey}, true, 2)
	require.NoError(t, err)
	require.Error(t, res.Roots[kKey].Err)

	e.InvalidateErrors()
	res, err = e.Update(ctx(), []nodekey.Key{kKey}, true, 2)
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Roots[kKey].Value)
	assert.EqualValues(t, 2, atomic.LoadInt32(&attempts))
}

// Delete removes a node and everything that depends on it from the store
// entirely; a later reference spawns a brand-new entry.
func TestDeleteRemovesNodeAndDependents(t *testing.T) {
	reg := eval.NewRegistry()
	bKey := nodekey.New("b", 0)
	aKey := nodekey.New("a", 0)

	reg.Register("b", eval.BuilderFunc(func(context.Context, nodekey.Key, *eval.Environment) (any, error) {
		return 1, nil
	}))
	reg.Register("a", eval.BuilderFunc(func(_ context.Context, _ nodekey.Key, env *eval.Environment) (any, error) {
		v, ok := env.GetValue(bKey)
		if env.ValuesMissing() {
			return nil, nil
		}
		require.True(t, ok)
		return v, nil
	}))

	e := New(reg, nil)
	_, err := e.Update(ctx(), []nodekey.Key{aKey}, true, 2)
	require.NoError(t, err)
	assert.Contains(t, e.GetNodes(), bKey)
	assert.Contains(t, e.GetNodes(), aKey)

	e.Delete(func(k nodekey.Key) bool { return k == bKey })
	assert.NotContains(t, e.GetNodes(), bKey)
	assert.NotContains(t, e.GetNodes(), aKey)
}

func TestGetDoneNodesReflectsOnlyCompletedEntries(t *testing.T) {
	reg := eval.NewRegistry()
	kKey := nodekey.New("k", 0)
	reg.Register("k", eval.BuilderFunc(func(context.Context, nodekey.Key, *eval.Environment) (any, error) {
		return "v", nil
	}))

	e := New(reg, nil)
	assert.Empty(t, e.GetDoneNodes())

	_, err := e.Update(ctx(), []nodekey.Key{kKey}, true, 2)
	require.NoError(t, err)
	assert.Contains(t, e.GetDoneNodes(), kKey)
}
