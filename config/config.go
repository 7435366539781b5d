// Package config centralizes the process-wide defaults (stabilization
// period, RPC and fetch timeouts, hop limit, datagram cap) and optional
// file-based overrides, read from a TOML file via github.com/naoina/toml.
package config

import (
	"os"
	"time"

	"github.com/naoina/toml"

	"github.com/mod/chordswarm/controller"
	"github.com/mod/chordswarm/id"
	"github.com/mod/chordswarm/pool"
	"github.com/mod/chordswarm/transport"
	"github.com/mod/chordswarm/vnode"
	"github.com/mod/chordswarm/wire"
)

// Config is the top-level, file-loadable configuration. Durations are
// expressed in milliseconds on disk (TOML has no native duration type) and
// converted on load.
type Config struct {
	BindIP   string   `toml:"bind_ip"`
	BindPort uint16   `toml:"bind_port"`
	Bootstrap []string `toml:"bootstrap"`

	StabilizationMillis int `toml:"stabilization_millis"`
	RPCTimeoutMillis    int `toml:"rpc_timeout_millis"`
	FetchTimeoutMillis  int `toml:"fetch_timeout_millis"`
	HopLimit            int `toml:"hop_limit"`
	DatagramCapBytes    int `toml:"datagram_cap_bytes"`

	ScenarioHostRandom bool `toml:"scenario_host_random"`
	Verbosity          int  `toml:"verbosity"`
}

// Default returns spec.md's defaults: T_stab=5s, T_rpc=1s, T_fetch=60s,
// H=2m=320 (m=160, spec §9 "implementers must pick a single m"), datagram
// cap 64KiB.
func Default() Config {
	return Config{
		BindIP:              "0.0.0.0",
		BindPort:            0,
		StabilizationMillis: 5000,
		RPCTimeoutMillis:    1000,
		FetchTimeoutMillis:  60000,
		HopLimit:            2 * id.M,
		DatagramCapBytes:    wire.MaxDatagramSize,
		Verbosity:           3,
	}
}

// Load reads a TOML file and overlays it onto Default().
func Load(path string) (Config, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		return Config{}, err
	}
	defer f.Close()
	if err := toml.NewDecoder(f).Decode(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) stabilization() time.Duration { return time.Duration(c.StabilizationMillis) * time.Millisecond }
func (c Config) rpcTimeout() time.Duration    { return time.Duration(c.RPCTimeoutMillis) * time.Millisecond }
func (c Config) fetchTimeout() time.Duration  { return time.Duration(c.FetchTimeoutMillis) * time.Millisecond }

// TransportConfig adapts this config to transport.Config.
func (c Config) TransportConfig() transport.Config {
	return transport.Config{
		RPCTimeout:   c.rpcTimeout(),
		DatagramCap:  c.DatagramCapBytes,
		ReadBufBytes: c.DatagramCapBytes,
	}
}

// PoolConfig adapts this config to pool.Config.
func (c Config) PoolConfig() pool.Config {
	return pool.Config{HopLimit: c.HopLimit, DatagramCap: c.DatagramCapBytes}
}

// VnodeConfig adapts this config to vnode.Config.
func (c Config) VnodeConfig() vnode.Config {
	return vnode.Config{TStab: c.stabilization()}
}

// ControllerConfig adapts this config to controller.Config.
func (c Config) ControllerConfig() controller.Config {
	return controller.Config{TStab: c.stabilization(), TFetch: c.fetchTimeout()}
}

// BindAddress is the wire.Address the transport should listen on.
func (c Config) BindAddress() wire.Address {
	return wire.Address{Host: c.BindIP, Port: c.BindPort}
}
