package redis

import (
	"context"
	"testing"
	"time"

	"github.com/zeromicro/go-zero/core/stores/redis/redistest"

	"github.com/thiratt/nekoshare-gateway/store"
	"github.com/thiratt/nekoshare-gateway/store/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return NewWithClient(redistest.CreateRedis(t), "test")
	})
}

func TestKeyLayout(t *testing.T) {
	rds := redistest.CreateRedis(t)
	s := NewWithClient(rds, "")
	ctx := context.Background()

	at := time.UnixMilli(1_700_000_000_123)
	if err := s.PutDevice(ctx, store.Device{ID: "d1", UserID: "u1", SessionID: "s1", Name: "pc", LastActiveAt: at}); err != nil {
		t.Fatalf("PutDevice: %v", err)
	}

	v, err := rds.HgetCtx(ctx, "nekoshare:device:s1", "lastActiveAt")
	if err != nil {
		t.Fatalf("Hget: %v", err)
	}
	if v != "1700000000123" {
		t.Fatalf("lastActiveAt = %q", v)
	}
	ok, err := rds.SismemberCtx(ctx, "nekoshare:user:u1:devices", "s1")
	if err != nil || !ok {
		t.Fatalf("device index membership = %v, %v", ok, err)
	}
	if sid, err := rds.GetCtx(ctx, "nekoshare:device-id:d1"); err != nil || sid != "s1" {
		t.Fatalf("device id index = %q, %v", sid, err)
	}

	if _, err := s.DeleteDevice(ctx, "u1", "d1"); err != nil {
		t.Fatalf("DeleteDevice: %v", err)
	}
	for _, key := range []string{"nekoshare:device:s1", "nekoshare:device-id:d1"} {
		if exists, _ := rds.ExistsCtx(ctx, key); exists {
			t.Fatalf("%s left behind", key)
		}
	}
	if ok, _ := rds.SismemberCtx(ctx, "nekoshare:user:u1:devices", "s1"); ok {
		t.Fatal("device index still lists the deleted session")
	}
}
