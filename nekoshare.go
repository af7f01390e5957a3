// Package nekoshare runs long lived modules until the process is signalled.
package nekoshare

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/thiratt/nekoshare-gateway/xlog"
)

var version = "0.4.0"

// Version returns the gateway version.
func Version() string {
	return version
}

// Run registers mods, initializes them in order and blocks until SIGINT or
// SIGTERM, then destroys them in reverse order.
func Run(mods ...Module) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	RunContext(ctx, mods...)
}

// RunContext is Run with the shutdown trigger supplied by the caller.
func RunContext(ctx context.Context, mods ...Module) {
	xlog.Write().Info("nekoshare starting up", zap.String("version", version))

	for i := range mods {
		Register(mods[i])
	}
	Init()

	<-ctx.Done()
	xlog.Write().Info("nekoshare shutting down", zap.Error(context.Cause(ctx)))

	Destroy()
	xlog.Sync()
}
