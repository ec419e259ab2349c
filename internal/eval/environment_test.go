package eval

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/skygraph/internal/graphstate"
	"github.com/vk/skygraph/internal/nodekey"
	"github.com/vk/skygraph/internal/store"
)

// seedDone installs a DONE entry for key in s, bypassing the evaluator
// entirely, and returns the entry the store now holds so assertions (e.g.
// HasRdep) observe the same object Environment.request will mutate.
func seedDone(s *store.Store, key nodekey.Key, value any) *graphstate.Entry {
	e := s.GetOrCreate(key)
	e.Inject(value, nodekey.IntVersion(1))
	return e
}

func seedErrored(s *store.Store, key nodekey.Key, err error) *graphstate.Entry {
	e := s.GetOrCreate(key)
	e.CompleteBuild(nil, false, err, nodekey.IntVersion(1), nil)
	return e
}

func TestEnvironmentGetValueResolvesDoneDependency(t *testing.T) {
	depKey := nodekey.New("dep", 0)
	requester := nodekey.New("root", 0)

	s := store.New()
	dep := seedDone(s, depKey, 42)

	e := NewEvaluator(s, NewRegistry(), nil)
	e.started = map[nodekey.Key]struct{}{depKey: {}}

	env := newEnvironment(context.Background(), e, requester)
	v, ok := env.GetValue(depKey)
	require.True(t, ok)
	assert.Equal(t, 42, v)
	assert.False(t, env.ValuesMissing())
	assert.True(t, dep.HasRdep(requester))
}

func TestEnvironmentGetValueReportsMissingForIncompleteDependency(t *testing.T) {
	depKey := nodekey.New("dep", 0)
	requester := nodekey.New("root", 0)

	s := store.New()
	s.GetOrCreate(depKey) // exists but still New, not Done

	e := NewEvaluator(s, NewRegistry(), nil)
	e.started = map[nodekey.Key]struct{}{depKey: {}}

	env := newEnvironment(context.Background(), e, requester)
	v, ok := env.GetValue(depKey)
	assert.False(t, ok)
	assert.Nil(t, v)
	assert.True(t, env.ValuesMissing())
	assert.Equal(t, 1, env.missingCount())
}

func TestEnvironmentGetValueTreatsErroredDependencyAsAbsentNotMissing(t *testing.T) {
	depKey := nodekey.New("dep", 0)
	requester := nodekey.New("root", 0)
	boom := errors.New("boom")

	s := store.New()
	seedErrored(s, depKey, boom)

	e := NewEvaluator(s, NewRegistry(), nil)
	e.started = map[nodekey.Key]struct{}{depKey: {}}

	env := newEnvironment(context.Background(), e, requester)
	v, ok := env.GetValue(depKey)
	assert.False(t, ok)
	assert.Nil(t, v)
	assert.False(t, env.ValuesMissing(), "an errored dep is ABSENT, not MISSING")
	assert.Equal(t, []nodekey.Key{depKey}, env.erroredDeps())
}

func TestEnvironmentGetValueOrThrowMatchesRequestedErrorClass(t *testing.T) {
	depKey := nodekey.New("dep", 0)
	requester := nodekey.New("root", 0)
	boom := errors.New("boom")

	s := store.New()
	seedErrored(s, depKey, boom)

	e := NewEvaluator(s, NewRegistry(), nil)
	e.started = map[nodekey.Key]struct{}{depKey: {}}

	env := newEnvironment(context.Background(), e, requester)
	v, err, present := env.GetValueOrThrow(depKey, func(err error) bool { return errors.Is(err, boom) })
	assert.Nil(t, v)
	assert.True(t, present)
	assert.ErrorIs(t, err, boom)
}

func TestEnvironmentGetValueOrThrowFallsBackWhenPredicateDoesNotMatch(t *testing.T) {
	depKey := nodekey.New("dep", 0)
	requester := nodekey.New("root", 0)
	boom := errors.New("boom")

	s := store.New()
	seedErrored(s, depKey, boom)

	e := NewEvaluator(s, NewRegistry(), nil)
	e.started = map[nodekey.Key]struct{}{depKey: {}}

	env := newEnvironment(context.Background(), e, requester)
	v, err, present := env.GetValueOrThrow(depKey, func(error) bool { return false })
	assert.Nil(t, v)
	assert.Nil(t, err)
	assert.False(t, present)
	assert.False(t, env.ValuesMissing(), "still ABSENT, not MISSING: the dep is done, just not matched")
}

func TestEnvironmentGetValuesRecordsOneDepGroupForTheWholeBatch(t *testing.T) {
	k1, k2 := nodekey.New("dep", 1), nodekey.New("dep", 2)
	requester := nodekey.New("root", 0)

	s := store.New()
	seedDone(s, k1, "a")
	seedDone(s, k2, "b")

	e := NewEvaluator(s, NewRegistry(), nil)
	e.started = map[nodekey.Key]struct{}{k1: {}, k2: {}}

	env := newEnvironment(context.Background(), e, requester)
	out := env.GetValues([]nodekey.Key{k1, k2})
	assert.Equal(t, "a", out[k1])
	assert.Equal(t, "b", out[k2])

	groups := env.depGroups()
	require.Len(t, groups, 1)
	assert.ElementsMatch(t, []nodekey.Key{k1, k2}, groups[0])
}
