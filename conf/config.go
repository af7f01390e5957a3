// Package conf loads the gateway configuration file.
package conf

import (
	"fmt"

	"github.com/zeromicro/go-zero/core/conf"

	"github.com/thiratt/nekoshare-gateway/agent"
	"github.com/thiratt/nekoshare-gateway/prometheus"
	redisstore "github.com/thiratt/nekoshare-gateway/store/redis"
	"github.com/thiratt/nekoshare-gateway/xlog"
)

const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

type (
	StoreConf struct {
		Type  string           `json:",default=memory,options=memory|redis"`
		Redis redisstore.Conf `json:",optional"`
	}

	Config struct {
		Log        xlog.XLogConf
		Prometheus prometheus.Config `json:",optional"`
		Gate       agent.GateConf
		Store      StoreConf
	}
)

// Load reads path (yaml, json or toml) and applies defaults. ${VAR}
// references are expanded from the environment.
func Load(path string) (Config, error) {
	var c Config
	if err := conf.Load(path, &c, conf.UseEnv()); err != nil {
		return Config{}, fmt.Errorf("conf: load %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks constraints the field tags cannot express.
func (c Config) Validate() error {
	if !c.Gate.TCP.Enabled && !c.Gate.WS.Enabled {
		return agent.ErrNoTransport
	}
	if c.Gate.Relay.Enabled && len(c.Gate.Relay.Hosts) == 0 {
		return fmt.Errorf("conf: relay requires Gate.Relay.Hosts")
	}
	if c.Store.Type == StoreRedis && c.Store.Redis.Host == "" {
		return fmt.Errorf("conf: redis store requires Store.Redis.Host")
	}
	return nil
}
