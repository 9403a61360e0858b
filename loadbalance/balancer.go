// Package loadbalance picks which bridge endpoint the capture agent dials next.
//
// Only one bridge is ever active for an agent, so "balancing" here means
// failover: each reconnect attempt asks the balancer again, and a strategy
// that rotates lets the agent walk through every known endpoint while the
// backoff grows.
package loadbalance

import "magiceye/registry"

type Balancer interface {
	// Pick selects one instance from the available list. Must be goroutine-safe.
	Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error)

	Name() string
}
