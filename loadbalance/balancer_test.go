package loadbalance

import (
	"drm-client/addresspool"
	"fmt"
	"testing"
)

var testEndpoints = []addresspool.Endpoint{
	{Host: "10.0.0.1", Port: 8001, Weight: 10, Healthy: true},
	{Host: "10.0.0.2", Port: 8002, Weight: 5, Healthy: true},
	{Host: "10.0.0.3", Port: 8003, Weight: 10, Healthy: true},
}

func TestRoundRobin(t *testing.T) {
	b := &RoundRobinBalancer{}

	results := make([]string, 3)
	for i := 0; i < 3; i++ {
		ep, err := b.Pick(testEndpoints)
		if err != nil {
			t.Fatal(err)
		}
		results[i] = ep.Addr()
	}
	if results[0] != testEndpoints[0].Addr() {
		t.Fatalf("expect first pick %s, got %s", testEndpoints[0].Addr(), results[0])
	}

	// Pick again, should wrap around to first
	ep, _ := b.Pick(testEndpoints)
	if ep.Addr() != results[0] {
		t.Fatalf("expect wrap around to %s, got %s", results[0], ep.Addr())
	}
}

func TestRoundRobinEmpty(t *testing.T) {
	b := &RoundRobinBalancer{}
	if _, err := b.Pick(nil); err == nil {
		t.Fatal("expect error for empty endpoints")
	}
}

func TestWeightedRandom(t *testing.T) {
	b := &WeightedRandomBalancer{}

	counts := map[string]int{}
	n := 10000
	for i := 0; i < n; i++ {
		ep, err := b.Pick(testEndpoints)
		if err != nil {
			t.Fatal(err)
		}
		counts[ep.Addr()]++
	}

	// Weight ratio is 10:5:10, so the first endpoint should get ~2x of the second
	ratio := float64(counts["10.0.0.1:8001"]) / float64(counts["10.0.0.2:8002"])
	if ratio < 1.5 || ratio > 2.5 {
		t.Fatalf("weight ratio = %.2f, expect ~2.0", ratio)
	}
}

func TestWeightedRandomZeroWeights(t *testing.T) {
	b := &WeightedRandomBalancer{}
	eps := []addresspool.Endpoint{{Host: "a", Port: 1}, {Host: "b", Port: 2}}
	if _, err := b.Pick(eps); err != nil {
		t.Fatal(err)
	}
}

func TestConsistentHash(t *testing.T) {
	b := NewConsistentHashBalancer("client-123")

	ep1, _ := b.Pick(testEndpoints)
	ep2, _ := b.Pick(testEndpoints)
	if ep1.Addr() != ep2.Addr() {
		t.Fatalf("same key mapped to different endpoints: %s vs %s", ep1.Addr(), ep2.Addr())
	}

	// Different keys should spread over the ring
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		ep, _ := NewConsistentHashBalancer(fmt.Sprintf("key-%d", i)).Pick(testEndpoints)
		seen[ep.Addr()] = true
	}
	if len(seen) < 2 {
		t.Fatalf("expect at least 2 different endpoints, got %d", len(seen))
	}
}

func TestConsistentHashRebuildsOnSetChange(t *testing.T) {
	b := NewConsistentHashBalancer("client-123")
	first, _ := b.Pick(testEndpoints)

	var remaining []addresspool.Endpoint
	for _, ep := range testEndpoints {
		if ep.Addr() != first.Addr() {
			remaining = append(remaining, ep)
		}
	}
	next, err := b.Pick(remaining)
	if err != nil {
		t.Fatal(err)
	}
	if next.Addr() == first.Addr() {
		t.Fatalf("picked removed endpoint %s", first.Addr())
	}
}

func TestNew(t *testing.T) {
	for _, name := range []string{"", "round-robin", "weighted-random", "consistent-hash"} {
		if _, err := New(name, "k"); err != nil {
			t.Fatalf("New(%q): %v", name, err)
		}
	}
	if _, err := New("random", ""); err == nil {
		t.Fatal("expect error for unknown strategy")
	}
}
