package handlers

import (
	"log"
	"net/http"

	"github.com/coder/websocket"

	"github.com/yangjarod117/webssh/internal/bridge"
)

// Terminals is set from main.go during init.
var Terminals *bridge.Bridge

// TerminalWS upgrades the connection and hands it to the bridge, which
// owns it until the socket closes.
func TerminalWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[ws] accept failed: %v", err)
		return
	}
	Terminals.HandleConn(r.Context(), conn)
}
