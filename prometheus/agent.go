package prometheus

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/thiratt/nekoshare-gateway/xlog"
)

var (
	once    sync.Once
	enabled atomic.Bool
)

// A Config is a prometheus config.
type Config struct {
	Enabled bool   `json:",optional"`
	Host    string `json:",default=0.0.0.0"`
	Port    int    `json:",default=9101"`
	Path    string `json:",default=/metrics"`
}

// Enabled reports whether Prometheus metrics are enabled.
func Enabled() bool {
	return enabled.Load()
}

// Enable enables Prometheus metrics.
func Enable() {
	enabled.Store(true)
}

// Start starts the Prometheus metrics server once per process.
func Start(c Config) {
	if !c.Enabled {
		return
	}

	defaultConfig(&c)
	once.Do(func() {
		Enable()

		mux := http.NewServeMux()
		mux.Handle(c.Path, promhttp.Handler())
		addr := fmt.Sprintf("%s:%d", c.Host, c.Port)
		go func() {
			xlog.Write().Info("prometheus metrics server started", zap.String("addr", addr), zap.String("path", c.Path))
			if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
				xlog.Write().Error("prometheus metrics server stopped", zap.Error(err))
			}
		}()
	})
}

func defaultConfig(conf *Config) {
	if conf.Path == "" {
		conf.Path = "/metrics"
	}
	if conf.Port == 0 {
		conf.Port = 9101
	}
}
