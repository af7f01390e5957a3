package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/thiratt/nekoshare-gateway"
	"github.com/thiratt/nekoshare-gateway/agent"
	"github.com/thiratt/nekoshare-gateway/conf"
	"github.com/thiratt/nekoshare-gateway/prometheus"
	"github.com/thiratt/nekoshare-gateway/session"
	"github.com/thiratt/nekoshare-gateway/store"
	"github.com/thiratt/nekoshare-gateway/store/memory"
	redisstore "github.com/thiratt/nekoshare-gateway/store/redis"
	"github.com/thiratt/nekoshare-gateway/xlog"
)

type seedFlags struct {
	user    string
	session string
	token   string
}

func serveCmd() *cobra.Command {
	var (
		configFile string
		seed       seedFlags
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := conf.Load(configFile)
			if err != nil {
				return err
			}
			xlog.Load(&c.Log)
			prometheus.Start(c.Prometheus)

			s, err := openStore(c.Store)
			if err != nil {
				return err
			}
			defer s.Close()

			if seed.token != "" {
				if err := seedIdentity(cmd.Context(), s, seed); err != nil {
					return err
				}
			}

			gate, err := agent.NewGate(c.Gate, s)
			if err != nil {
				return err
			}
			nekoshare.Run(gate)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "f", "etc/gateway.yaml", "config file")
	cmd.Flags().StringVar(&seed.token, "seed-token", "", "register a login and access token at startup, for local testing")
	cmd.Flags().StringVar(&seed.user, "seed-user", "dev-user", "user id bound to --seed-token")
	cmd.Flags().StringVar(&seed.session, "seed-session", "dev-session", "session id bound to --seed-token")

	return cmd
}

func openStore(c conf.StoreConf) (store.Store, error) {
	switch c.Type {
	case conf.StoreRedis:
		return redisstore.New(c.Redis)
	case conf.StoreMemory, "":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown store type %q", c.Type)
	}
}

func seedIdentity(ctx context.Context, s store.Store, f seedFlags) error {
	id := session.Identity{UserID: f.user, UserName: f.user, SessionID: f.session}
	now := time.Now()

	if err := s.PutUser(ctx, store.User{ID: f.user, Name: f.user, LastActiveAt: now}); err != nil {
		return err
	}
	err := s.PutDevice(ctx, store.Device{
		ID:           f.session,
		UserID:       f.user,
		SessionID:    f.session,
		Name:         "dev device",
		Platform:     "cli",
		LastActiveAt: now,
	})
	if err != nil {
		return err
	}
	if err := s.PutLoginToken(ctx, f.token, id, 24*time.Hour); err != nil {
		return err
	}
	if err := s.PutAccessToken(ctx, f.token, id, 24*time.Hour); err != nil {
		return err
	}
	xlog.Write().Info("seeded identity", zap.String("user", f.user), zap.String("session", f.session))
	return nil
}
