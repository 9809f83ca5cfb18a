// Package discovery registers the gateway instance with Consul so the
// edge router can find healthy instances. Optional: skipped when no
// Consul address is configured.
package discovery

import (
	"fmt"
	"strconv"

	"github.com/hashicorp/consul/api"
)

type Registration struct {
	client *api.Client
	id     string
}

// Register announces this instance under serviceName with an HTTP health
// check against /health.
func Register(consulAddr, serviceName, instanceID, host, port string) (*Registration, error) {
	cfg := api.DefaultConfig()
	cfg.Address = consulAddr
	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return nil, fmt.Errorf("invalid port %q: %w", port, err)
	}
	reg := &api.AgentServiceRegistration{
		ID:      serviceName + "-" + instanceID,
		Name:    serviceName,
		Address: host,
		Port:    p,
		Check: &api.AgentServiceCheck{
			HTTP:                           fmt.Sprintf("http://%s:%d/health", host, p),
			Interval:                       "10s",
			Timeout:                        "2s",
			DeregisterCriticalServiceAfter: "1m",
		},
	}
	if err := client.Agent().ServiceRegister(reg); err != nil {
		return nil, err
	}
	return &Registration{client: client, id: reg.ID}, nil
}

func (r *Registration) Deregister() error {
	return r.client.Agent().ServiceDeregister(r.id)
}
