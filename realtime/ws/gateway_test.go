package ws

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/networkmesh/meshchat/client"
	"github.com/networkmesh/meshchat/crypto/identity"
	"github.com/networkmesh/meshchat/mesh"
	"github.com/networkmesh/meshchat/store/memstore"
)

var (
	gwKeysOnce sync.Once
	gwKeysErr  error
	gwKeys     [2]*identity.Key
)

func gatewayKey(t *testing.T, i int) *identity.Key {
	t.Helper()
	gwKeysOnce.Do(func() {
		for j := range gwKeys {
			gwKeys[j], gwKeysErr = identity.Generate()
			if gwKeysErr != nil {
				return
			}
		}
	})
	if gwKeysErr != nil {
		t.Fatalf("Generate() failed: %v", gwKeysErr)
	}
	return gwKeys[i]
}

func startGateway(t *testing.T, opts GatewayOptions) (*mesh.Server, string) {
	t.Helper()
	cfg := mesh.DefaultConfig()
	srv, err := mesh.New(cfg, gatewayKey(t, 0), memstore.NewUsers(), memstore.NewMessages())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	ts := httptest.NewServer(NewGatewayHandler(srv, opts))
	t.Cleanup(ts.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dialGateway(t *testing.T, wsURL string, origin string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	hdr := http.Header{}
	if origin != "" {
		hdr.Set("Origin", origin)
	}
	return websocket.DefaultDialer.Dial(wsURL, hdr)
}

func TestGatewayRejectsDisallowedOrigin(t *testing.T) {
	_, wsURL := startGateway(t, GatewayOptions{AllowedOrigins: []string{"https://chat.example.com"}})
	if _, _, err := dialGateway(t, wsURL, "https://evil.example.net"); err == nil {
		t.Fatal("expected upgrade to be rejected")
	}
	if _, _, err := dialGateway(t, wsURL, ""); err == nil {
		t.Fatal("expected missing Origin to be rejected")
	}
}

func TestGatewayHandshakeOverWebSocket(t *testing.T) {
	_, wsURL := startGateway(t, GatewayOptions{AllowNoOrigin: true})

	wc, _, err := dialGateway(t, wsURL, "")
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c, err := client.NewConn(ctx, NewNetConn(wc), client.Options{
		UserID:   "alice",
		Username: "Alice",
		Key:      gatewayKey(t, 1),
	})
	if err != nil {
		t.Fatalf("NewConn() failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	type res struct {
		ev  client.Event
		err error
	}
	ch := make(chan res, 1)
	go func() {
		ev, err := c.Next()
		ch <- res{ev, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			t.Fatalf("Next() failed: %v", r.err)
		}
		if r.ev.Kind != client.EventUserList {
			t.Fatalf("first event = %v, want user list", r.ev.Kind)
		}
		if len(r.ev.Users.Users) != 1 || r.ev.Users.Users[0].ID != "alice" {
			t.Fatalf("unexpected roster: %+v", r.ev.Users)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for roster")
	}
}

func TestNetConnStitchesReads(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wc, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// Two websocket messages carry one logical frame split mid-line.
		_ = wc.WriteMessage(websocket.TextMessage, []byte(`{"half":`))
		_ = wc.WriteMessage(websocket.TextMessage, []byte("1}\n"))
	}))
	t.Cleanup(ts.Close)

	wc, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	nc := NewNetConn(wc)
	t.Cleanup(func() { _ = nc.Close() })

	var got []byte
	buf := make([]byte, 64)
	deadline := time.Now().Add(2 * time.Second)
	_ = nc.SetReadDeadline(deadline)
	for !strings.Contains(string(got), "\n") {
		n, err := nc.Read(buf)
		if err != nil {
			t.Fatalf("Read() failed: %v", err)
		}
		got = append(got, buf[:n]...)
	}
	if string(got) != "{\"half\":1}\n" {
		t.Fatalf("stitched read = %q", got)
	}
}

func TestNetConnImplementsNetConn(t *testing.T) {
	var _ net.Conn = (*NetConn)(nil)
}
