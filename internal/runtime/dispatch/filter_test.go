package dispatch

import (
	"errors"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	errspkg "github.com/wuayee/fitbroker/internal/runtime/errors"
)

func passThrough() Filter {
	return FilterFunc(func(*Call) (Result, error) { return Proceed(), nil })
}

func chainNames(chain []*FilterDescriptor) []string {
	names := make([]string, len(chain))
	for i, d := range chain {
		names[i] = d.Name
	}
	return names
}

func TestFilterOrdering(t *testing.T) {
	reg := NewFilterRegistry()
	priorities := []int{5, 1, 5}
	names := []string{"b", "a", "a"}
	for i := range priorities {
		_, err := reg.Register(FilterDescriptor{
			Name:          names[i],
			Priority:      priorities[i],
			MatchPatterns: []string{"**"},
			Filter:        passThrough(),
		})
		require.NoError(t, err)
	}

	chain := reg.Chain("weather.query", "")
	require.Len(t, chain, 3)
	assert.Equal(t, "a", chain[0].Name)
	assert.Equal(t, 1, chain[0].Priority)
	assert.Equal(t, "a", chain[1].Name)
	assert.Equal(t, 5, chain[1].Priority)
	assert.Equal(t, "b", chain[2].Name)
	assert.Equal(t, 5, chain[2].Priority)
}

func TestFilterOrderingProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		reg := NewFilterRegistry()
		n := rapid.IntRange(0, 12).Draw(t, "n")
		for i := 0; i < n; i++ {
			_, err := reg.Register(FilterDescriptor{
				Name:          rapid.StringMatching(`[a-c]{0,2}`).Draw(t, "name"),
				Priority:      rapid.IntRange(-3, 3).Draw(t, "priority"),
				MatchPatterns: []string{"**"},
				Filter:        passThrough(),
			})
			if err != nil {
				t.Fatal(err)
			}
		}

		chain := reg.Chain("weather.query", "")
		if len(chain) != n {
			t.Fatalf("expected %d filters, got %d", n, len(chain))
		}
		if !slices.IsSortedFunc(chain, CompareFilters) {
			t.Fatalf("chain is not ordered: %v", chainNames(chain))
		}
	})
}

func TestCompareFiltersPanicsOnNil(t *testing.T) {
	assert.Panics(t, func() { CompareFilters(nil, &FilterDescriptor{}) })
	assert.Panics(t, func() { CompareFilters(&FilterDescriptor{}, nil) })
}

func TestFilterMatchAndMismatch(t *testing.T) {
	reg := NewFilterRegistry()
	_, err := reg.Register(FilterDescriptor{
		Name:             "weather",
		MatchPatterns:    []string{"weather.**"},
		MismatchPatterns: []string{"weather.internal.*"},
		Filter:           passThrough(),
	})
	require.NoError(t, err)
	_, err = reg.Register(FilterDescriptor{Name: "nothing", Filter: passThrough()})
	require.NoError(t, err)

	assert.Equal(t, []string{"weather"}, chainNames(reg.Chain("weather.query", "")))
	assert.Empty(t, reg.Chain("weather.internal.sync", ""))
	assert.Empty(t, reg.Chain("news.query", ""))
}

func TestFilterScope(t *testing.T) {
	reg := NewFilterRegistry()
	_, err := reg.Register(FilterDescriptor{Name: "global", Module: "audit", MatchPatterns: []string{"**"}, Filter: passThrough()})
	require.NoError(t, err)
	_, err = reg.Register(FilterDescriptor{Name: "local", Module: "weather", Scope: ScopeModule, MatchPatterns: []string{"**"}, Filter: passThrough()})
	require.NoError(t, err)

	assert.Equal(t, []string{"global", "local"}, chainNames(reg.Chain("weather.query", "weather")))
	assert.Equal(t, []string{"global"}, chainNames(reg.Chain("weather.query", "news")))
}

func TestFilterRegistryInvalidatesCache(t *testing.T) {
	reg := NewFilterRegistry()
	id, err := reg.Register(FilterDescriptor{Name: "first", Module: "audit", MatchPatterns: []string{"**"}, Filter: passThrough()})
	require.NoError(t, err)
	assert.Len(t, reg.Chain("weather.query", ""), 1)

	_, err = reg.Register(FilterDescriptor{Name: "second", Module: "audit", MatchPatterns: []string{"**"}, Filter: passThrough()})
	require.NoError(t, err)
	assert.Len(t, reg.Chain("weather.query", ""), 2)

	reg.Unregister(id)
	assert.Equal(t, []string{"second"}, chainNames(reg.Chain("weather.query", "")))

	reg.UnregisterModule("audit")
	assert.Empty(t, reg.Chain("weather.query", ""))
	assert.Empty(t, reg.Descriptors())
}

func TestFilterRegistryRejectsNilFilter(t *testing.T) {
	_, err := NewFilterRegistry().Register(FilterDescriptor{Name: "broken"})
	require.ErrorIs(t, err, errspkg.ErrFilterRequired)
	assert.Equal(t, errspkg.KindInvalid, errspkg.KindOf(err))
}

func TestRunChain(t *testing.T) {
	newCall := func() *Call {
		return &Call{Metadata: RequestMetadata{GenericableID: "weather.query"}, Args: []any{"berlin"}}
	}

	t.Run("proceeds and mutates args", func(t *testing.T) {
		upper := &FilterDescriptor{Name: "upper", Filter: FilterFunc(func(c *Call) (Result, error) {
			c.Args = []any{"BERLIN"}
			return Proceed(), nil
		})}
		call := newCall()
		_, stopped, err := runChain(call, []*FilterDescriptor{upper})
		require.NoError(t, err)
		assert.False(t, stopped)
		assert.Equal(t, []any{"BERLIN"}, call.Args)
	})

	t.Run("short circuit skips later filters", func(t *testing.T) {
		var reached bool
		stop := &FilterDescriptor{Name: "stop", Filter: FilterFunc(func(*Call) (Result, error) {
			return ShortCircuit(OK("cached")), nil
		})}
		later := &FilterDescriptor{Name: "later", Filter: FilterFunc(func(*Call) (Result, error) {
			reached = true
			return Proceed(), nil
		})}
		resp, stopped, err := runChain(newCall(), []*FilterDescriptor{stop, later})
		require.NoError(t, err)
		assert.True(t, stopped)
		assert.Equal(t, "cached", resp.Data)
		assert.False(t, reached)
	})

	t.Run("errors are wrapped", func(t *testing.T) {
		boom := errors.New("boom")
		failing := &FilterDescriptor{Name: "auth", Filter: FilterFunc(func(*Call) (Result, error) {
			return Result{}, boom
		})}
		_, _, err := runChain(newCall(), []*FilterDescriptor{failing})
		require.ErrorIs(t, err, errspkg.ErrFilterExecutionFailed)
		require.ErrorIs(t, err, boom)
		assert.Contains(t, err.Error(), "auth")
		assert.Contains(t, err.Error(), "weather.query")
	})

	t.Run("panics are wrapped", func(t *testing.T) {
		panicking := &FilterDescriptor{Name: "broken", Filter: FilterFunc(func(*Call) (Result, error) {
			panic("nil map")
		})}
		_, _, err := runChain(newCall(), []*FilterDescriptor{panicking})
		require.ErrorIs(t, err, errspkg.ErrFilterExecutionFailed)
		assert.Contains(t, err.Error(), "nil map")
	})
}
