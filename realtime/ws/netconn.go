// Package ws carries the mesh wire protocol over WebSocket for clients that
// cannot open a raw TCP connection. Each text frame holds a slice of the
// newline-delimited envelope stream; the gateway bridges it onto the same
// connection lifecycle the TCP acceptor uses.
package ws

import (
	"net"
	"time"

	"github.com/gorilla/websocket"
)

// NetConn adapts a websocket connection to net.Conn so the mesh server can
// treat it like any TCP socket. Reads concatenate message payloads back into
// a byte stream; each Write becomes one text frame, which lines up with the
// per-envelope flushing of the line framer.
type NetConn struct {
	ws   *websocket.Conn
	rbuf []byte
}

// NewNetConn wraps an upgraded websocket connection.
func NewNetConn(ws *websocket.Conn) *NetConn {
	return &NetConn{ws: ws}
}

func (c *NetConn) Read(p []byte) (int, error) {
	for len(c.rbuf) == 0 {
		_, b, err := c.ws.ReadMessage()
		if err != nil {
			return 0, err
		}
		c.rbuf = b
	}
	n := copy(p, c.rbuf)
	c.rbuf = c.rbuf[n:]
	return n, nil
}

func (c *NetConn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *NetConn) Close() error {
	return c.ws.Close()
}

func (c *NetConn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *NetConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *NetConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *NetConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *NetConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }
