package container

import (
	"context"
	"fmt"

	"sandbox-engine/internal/proxy"
)

// startNetwork brings up the filtering proxy for a container that asked for
// networking. A proxy that fails to start leaves networking disabled and
// returns a warning instead of an error.
func (m *Manager) startNetwork(e *entry, cfg Config) (NetworkConfig, []string) {
	blocked := m.cfg.BlockedPorts
	if len(blocked) == 0 {
		blocked = proxy.DefaultBlockedPorts
	}
	nc := NetworkConfig{
		Enabled:      false,
		AllowedHosts: append([]string(nil), cfg.AllowedHosts...),
		BlockedPorts: append([]int(nil), blocked...),
		DNSServers:   append([]string(nil), m.cfg.DNSServers...),
	}
	if !cfg.Networking {
		return nc, nil
	}

	id := e.inst.ID
	p := proxy.New(id, proxy.Policy{AllowedHosts: nc.AllowedHosts, BlockedPorts: nc.BlockedPorts})
	p.OnBlocked = func(host string, port int) {
		if m.onBlocked != nil {
			m.onBlocked(id, host, port)
		}
	}
	addr, err := p.Start()
	if err != nil {
		e.logger.Warn().Err(err).Msg("network proxy failed, networking disabled")
		return nc, []string{fmt.Sprintf("Network setup failed, networking disabled: %v", err)}
	}

	e.proxy = p
	nc.Enabled = true
	nc.ProxyAddr = addr
	return nc, nil
}

// networkEnv returns the proxy variables for commands of e.
func (e *entry) networkEnv() map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.proxy == nil || !e.inst.Networking.Enabled {
		return nil
	}
	return proxy.Env(e.inst.Networking.ProxyAddr)
}

func (e *entry) stopNetwork(ctx context.Context) {
	e.mu.Lock()
	p := e.proxy
	e.proxy = nil
	e.mu.Unlock()
	if p == nil {
		return
	}
	if err := p.Close(ctx); err != nil {
		e.logger.Debug().Err(err).Msg("proxy close")
	}
}
