package session

import (
	"context"
	"testing"
)

func TestIdentityPropagation(t *testing.T) {
	id := Identity{UserID: "u1", SessionID: "s1"}

	t.Run("context", func(t *testing.T) {
		got, ok := IdentityFromContext(ContextWithIdentity(context.Background(), id))
		if !ok || got != id {
			t.Fatalf("got %+v, %v", got, ok)
		}
		if _, ok := IdentityFromContext(ContextWithIdentity(context.Background(), Identity{})); ok {
			t.Fatal("empty identity reported as present")
		}
		if _, ok := IdentityFromContext(context.Background()); ok {
			t.Fatal("bare context reported an identity")
		}
	})

	t.Run("connection option", func(t *testing.T) {
		// the upgrade path moves the identity from the request context onto the connection
		fromCtx, _ := IdentityFromContext(ContextWithIdentity(context.Background(), id))
		c, _ := newTestConn(NewManager(ManagerConf{}), WithIdentity(fromCtx))
		if got, ok := c.Identity(); !ok || got != id {
			t.Fatalf("got %+v, %v", got, ok)
		}

		anon, _ := newTestConn(NewManager(ManagerConf{}), WithIdentity(Identity{}))
		if anon.Authenticated() {
			t.Fatal("empty identity authenticated the connection")
		}
	})
}
