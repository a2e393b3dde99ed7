package network

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWeight(t *testing.T) {
	tests := []struct {
		priority int
		want     int
	}{
		{-5, 1},
		{0, 1},
		{1, 1},
		{500, 500},
		{999, 999},
		{5000, 999},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Weight(Descriptor{Priority: tt.priority}), "priority %d", tt.priority)
	}
}

func TestPickEmpty(t *testing.T) {
	_, ok := Pick(nil, rand.New(rand.NewSource(1)))
	assert.False(t, ok)
}

func TestPickSingle(t *testing.T) {
	d, ok := Pick([]Descriptor{{Slug: "only"}}, nil)
	assert.True(t, ok)
	assert.Equal(t, "only", d.Slug)
}

func TestPickIsWeighted(t *testing.T) {
	nets := []Descriptor{
		{Slug: "heavy", Priority: 900},
		{Slug: "light", Priority: 0},
	}
	rnd := rand.New(rand.NewSource(42))
	counts := map[string]int{}
	for i := 0; i < 9010; i++ {
		d, _ := Pick(nets, rnd)
		counts[d.Slug]++
	}
	// 900:1 weighting; light should come up rarely but not never.
	assert.Greater(t, counts["heavy"], 8800)
	assert.Greater(t, counts["light"], 0)
	assert.Less(t, counts["light"], 100)
}

func TestPickDeterministicWithSeed(t *testing.T) {
	nets := []Descriptor{{Slug: "a", Priority: 10}, {Slug: "b", Priority: 20}, {Slug: "c", Priority: 30}}
	a, _ := Pick(nets, rand.New(rand.NewSource(7)))
	b, _ := Pick(nets, rand.New(rand.NewSource(7)))
	assert.Equal(t, a.Slug, b.Slug)
}

func TestFilter(t *testing.T) {
	nets := []Descriptor{
		{Slug: "a", Meta: Meta{Regions: []string{"US"}, Topics: []string{"tech"}}},
		{Slug: "b", Meta: Meta{Regions: []string{"de"}, Topics: []string{"tech", "news"}}},
		{Slug: "c"},
	}

	slugs := func(ds []Descriptor) []string {
		var out []string
		for _, d := range ds {
			out = append(out, d.Slug)
		}
		return out
	}

	assert.Equal(t, []string{"a", "b", "c"}, slugs(Filter(nets, "", "")))
	assert.Equal(t, []string{"a"}, slugs(Filter(nets, "us", "")))
	assert.Equal(t, []string{"a", "b"}, slugs(Filter(nets, "", "TECH")))
	assert.Equal(t, []string{"b"}, slugs(Filter(nets, "de", "news")))
	// Nothing matches: fall back to everything.
	assert.Equal(t, []string{"a", "b", "c"}, slugs(Filter(nets, "jp", "")))
}
