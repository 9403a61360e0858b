package loadbalance

import (
	"errors"
	"sync/atomic"

	"magiceye/registry"
)

var ErrNoInstances = errors.New("no bridge instances available")

// RoundRobinBalancer rotates through the instances in order. The first Pick
// returns the first instance, so a single configured endpoint is always used.
type RoundRobinBalancer struct {
	counter atomic.Uint64
}

func (b *RoundRobinBalancer) Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	index := (b.counter.Add(1) - 1) % uint64(len(instances))
	return &instances[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
