package loadbalance

import (
	"drm-client/addresspool"
	"fmt"
	"math/rand/v2"
)

type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(endpoints []addresspool.Endpoint) (*addresspool.Endpoint, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("no endpoints available")
	}

	// Endpoints without a weight count as 1
	totalWeight := 0
	for _, ep := range endpoints {
		totalWeight += weightOf(ep)
	}

	// Pick a point in [0, totalWeight)
	r := rand.IntN(totalWeight)
	for i := range endpoints {
		r -= weightOf(endpoints[i])
		if r < 0 {
			return &endpoints[i], nil
		}
	}

	return nil, fmt.Errorf("unexpected error in weighted random selection")
}

func weightOf(ep addresspool.Endpoint) int {
	if ep.Weight <= 0 {
		return 1
	}
	return ep.Weight
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}
