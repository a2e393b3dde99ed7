package network

import (
	"math/rand"
	"strings"
)

// Weight is the selection weight of a network: its priority clamped to [1, MaxPriority].
func Weight(d Descriptor) int {
	w := d.Priority
	if w < 1 {
		w = 1
	}
	if w > MaxPriority {
		w = MaxPriority
	}
	return w
}

// Pick chooses one network at random, proportionally to Weight. With a zero
// total it falls back to a uniform choice. Returns false for an empty slice.
func Pick(networks []Descriptor, rnd *rand.Rand) (Descriptor, bool) {
	if len(networks) == 0 {
		return Descriptor{}, false
	}
	intn := rand.Intn
	if rnd != nil {
		intn = rnd.Intn
	}

	total := 0
	for _, n := range networks {
		total += Weight(n)
	}
	if total <= 0 {
		return networks[intn(len(networks))], true
	}

	r := intn(total)
	for _, n := range networks {
		r -= Weight(n)
		if r < 0 {
			return n, true
		}
	}
	return networks[len(networks)-1], true
}

// Filter keeps networks tagged with region and topic (either may be empty to
// skip that dimension). An empty result returns the input unchanged.
func Filter(networks []Descriptor, region, topic string) []Descriptor {
	region = strings.ToLower(strings.TrimSpace(region))
	topic = strings.ToLower(strings.TrimSpace(topic))
	if region == "" && topic == "" {
		return networks
	}

	var out []Descriptor
	for _, n := range networks {
		if region != "" && !hasTag(n.Meta.Regions, region) {
			continue
		}
		if topic != "" && !hasTag(n.Meta.Topics, topic) {
			continue
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		return networks
	}
	return out
}

func hasTag(tags []string, want string) bool {
	for _, t := range tags {
		if strings.EqualFold(strings.TrimSpace(t), want) {
			return true
		}
	}
	return false
}
