package ws

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/networkmesh/meshchat/mesh"
	"github.com/networkmesh/meshchat/protocol"
)

// GatewayOptions controls the WebSocket entry point.
type GatewayOptions struct {
	AllowedOrigins []string // Allowed Origin header values.
	AllowNoOrigin  bool     // Whether to allow empty Origin (non-browser clients).
	ReadLimit      int64    // Max websocket message bytes; defaults to the frame cap.
}

// NewGatewayHandler upgrades requests and hands the bridged connection to the
// mesh server. The handler blocks for the lifetime of the connection.
func NewGatewayHandler(srv *mesh.Server, opts GatewayOptions) http.Handler {
	readLimit := opts.ReadLimit
	if readLimit <= 0 {
		readLimit = protocol.MaxFrameBytes
	}
	up := websocket.Upgrader{
		CheckOrigin: NewOriginChecker(opts.AllowedOrigins, opts.AllowNoOrigin),
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c.SetReadLimit(readLimit)
		srv.HandleConn(r.Context(), NewNetConn(c))
	})
}
