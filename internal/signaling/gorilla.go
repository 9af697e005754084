package signaling

import (
	"net/http"

	"github.com/gorilla/websocket"
)

// Upgrader turns an HTTP request into a Conn
type Upgrader interface {
	Upgrade(w http.ResponseWriter, r *http.Request, responseHeader http.Header) (Conn, error)
}

// GorillaUpgrader adapts websocket.Upgrader to Upgrader
type GorillaUpgrader struct {
	*websocket.Upgrader
}

// NewGorillaUpgrader accepts any origin; peers are command line clients,
// not browsers.
func NewGorillaUpgrader() *GorillaUpgrader {
	return &GorillaUpgrader{
		Upgrader: &websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Upgrade implements Upgrader
func (g *GorillaUpgrader) Upgrade(w http.ResponseWriter, r *http.Request, responseHeader http.Header) (Conn, error) {
	conn, err := g.Upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
