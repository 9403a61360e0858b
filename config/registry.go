package config

import (
	"magiceye/registry"
)

// NewRegistry builds the configured registry. The static registry is seeded
// with the client's endpoints. release closes the registry's connection.
func (c Config) NewRegistry() (registry.Registry, func() error, error) {
	if c.Registry.Kind == RegistryEtcd {
		etcd, err := registry.NewEtcdRegistry(c.Registry.Endpoints, c.Registry.DialTimeout)
		if err != nil {
			return nil, nil, err
		}
		return etcd, etcd.Close, nil
	}
	return registry.NewStatic(c.Client.ServiceName, c.Client.Endpoints...), func() error { return nil }, nil
}
