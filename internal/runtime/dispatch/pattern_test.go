package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestMatchPattern(t *testing.T) {
	ids := []string{"a.bb.ccc", "a.bb.cccx", "a.bb.ccc.xx.yy"}
	tests := []struct {
		pattern string
		want    []bool
	}{
		{"a.bb.ccc", []bool{true, false, false}},
		{"a.bb.ccc?", []bool{false, true, false}},
		{"a.bb.ccc*", []bool{true, true, false}},
		{"a.bb.ccc**", []bool{true, true, true}},
	}

	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			for i, id := range ids {
				assert.Equal(t, tt.want[i], MatchPattern(tt.pattern, id), "id %s", id)
			}
		})
	}
}

func TestMatchPatternSegments(t *testing.T) {
	tests := []struct {
		pattern string
		id      string
		want    bool
	}{
		{"*", "", true},
		{"*", "weather", true},
		{"*", "weather.query", false},
		{"**", "weather.query.daily", true},
		{"weather.*", "weather.query", true},
		{"weather.*", "weather.query.daily", false},
		{"weather.**", "weather.query.daily", true},
		{"*.query", "weather.query", true},
		{"*.query", "weather.daily.query", false},
		{"**.query", "weather.daily.query", true},
		{"weather.?uery", "weather.query", true},
		{"weather.?query", "weather.query", false},
		{"weather?query", "weather.query", false},
		{"w*r.query", "weather.query", true},
		{"", "", true},
		{"", "weather", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, MatchPattern(tt.pattern, tt.id), "%q vs %q", tt.pattern, tt.id)
	}
}

func TestMatchPatternProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		id := rapid.StringMatching(`[a-z]{1,5}(\.[a-z]{1,5}){0,3}`).Draw(t, "id")

		if !MatchPattern(id, id) {
			t.Fatalf("literal %q does not match itself", id)
		}
		if !MatchPattern("**", id) {
			t.Fatalf("** does not match %q", id)
		}
		if MatchPattern(id+"?", id) {
			t.Fatalf("%q? matches %q", id, id)
		}
	})
}
