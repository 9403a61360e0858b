package loadbalance

import (
	"errors"
	"testing"

	"magiceye/registry"
)

var testInstances = []registry.ServiceInstance{
	{Addr: "127.0.0.1:9559"},
	{Addr: "[::1]:9559"},
	{Addr: "localhost:9560"},
}

func TestRoundRobin(t *testing.T) {
	b := &RoundRobinBalancer{}

	results := make([]string, 3)
	for i := 0; i < 3; i++ {
		inst, err := b.Pick(testInstances)
		if err != nil {
			t.Fatal(err)
		}
		results[i] = inst.Addr
	}
	if results[0] != testInstances[0].Addr {
		t.Fatalf("expect first pick %s, got %s", testInstances[0].Addr, results[0])
	}

	// Pick again, should wrap around to first
	inst, _ := b.Pick(testInstances)
	if inst.Addr != results[0] {
		t.Fatalf("expect wrap around to %s, got %s", results[0], inst.Addr)
	}
}

func TestRoundRobinEmpty(t *testing.T) {
	b := &RoundRobinBalancer{}
	_, err := b.Pick([]registry.ServiceInstance{})
	if !errors.Is(err, ErrNoInstances) {
		t.Fatalf("expect ErrNoInstances, got %v", err)
	}
}

func TestRoundRobinSingle(t *testing.T) {
	b := &RoundRobinBalancer{}
	for i := 0; i < 5; i++ {
		inst, err := b.Pick(testInstances[:1])
		if err != nil || inst.Addr != testInstances[0].Addr {
			t.Fatalf("pick %d: expect %s, got %v %v", i, testInstances[0].Addr, inst, err)
		}
	}
}
