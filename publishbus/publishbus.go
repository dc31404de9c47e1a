// Package publishbus is the Publish-bus Exporter from spec.md §4.10: it
// mirrors every Property Store change onto a live websocket feed for the
// host platform, and turns writable paths sent back by a client into
// Command Inbox entries. Grounded on the teacher's scheduler/server.go
// WebServer: the sync.Map client registry, the single broadcast channel
// fanned out to every connection, and the upgrade/read/disconnect loop
// are the same shape, generalized from "periodic full status blob" to
// "push Property Store Change events as they happen".
package publishbus

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/devskill-org/evse-driver/inbox"
	"github.com/devskill-org/evse-driver/model"
	"github.com/devskill-org/evse-driver/propertybus"
)

// writablePaths maps the Property Store paths a client is allowed to
// set back onto a model.CommandKind; every other path is mirror-only.
var writablePaths = map[string]model.CommandKind{
	"/Mode":       model.CmdSetMode,
	"/StartStop":  model.CmdSetStartStop,
	"/SetCurrent": model.CmdSetCurrent,
}

// inboundMessage is the wire shape of a client write request.
type inboundMessage struct {
	Path  string `json:"path"`
	Value any    `json:"value"`
}

// Exporter mirrors a propertybus.Store onto websocket clients and feeds
// client writes into an inbox.Inbox.
type Exporter struct {
	store *propertybus.Store
	inbox *inbox.Inbox
	logger *log.Logger

	upgrader websocket.Upgrader
	clients  sync.Map // *websocket.Conn -> struct{}
	done     chan struct{}
}

// New creates an Exporter. Call Run to start mirroring, and register
// HandleWS on an HTTP mux to accept connections.
func New(store *propertybus.Store, ib *inbox.Inbox, logger *log.Logger) *Exporter {
	if logger == nil {
		logger = log.Default()
	}
	return &Exporter{
		store:  store,
		inbox:  ib,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		done: make(chan struct{}),
	}
}

// Run subscribes to the Property Store and fans out every change to
// connected clients until ctx is cancelled.
func (e *Exporter) Run(ctx context.Context) {
	id, changes := e.store.Subscribe()
	defer e.store.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			e.closeAll()
			return
		case c, ok := <-changes:
			if !ok {
				return
			}
			e.broadcast(c)
		}
	}
}

func (e *Exporter) broadcast(c propertybus.Change) {
	payload, err := json.Marshal(c)
	if err != nil {
		e.logger.Printf("publishbus: failed to marshal change for %s: %v", c.Path, err)
		return
	}
	e.clients.Range(func(key, _ any) bool {
		conn, ok := key.(*websocket.Conn)
		if !ok {
			return true
		}
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			e.logger.Printf("publishbus: write error, dropping client: %v", err)
			conn.Close() //nolint:errcheck
			e.clients.Delete(conn)
		}
		return true
	})
}

func (e *Exporter) closeAll() {
	e.clients.Range(func(key, _ any) bool {
		if conn, ok := key.(*websocket.Conn); ok {
			conn.Close() //nolint:errcheck
		}
		return true
	})
}

// HandleWS upgrades an HTTP request to a websocket connection, sends the
// current Property Store snapshot, then pumps client-originated writes
// into the Command Inbox until the connection closes.
func (e *Exporter) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.logger.Printf("publishbus: upgrade failed: %v", err)
		return
	}
	e.clients.Store(conn, struct{}{})
	defer func() {
		e.clients.Delete(conn)
		conn.Close() //nolint:errcheck
	}()

	e.sendSnapshot(conn)

	for {
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				e.logger.Printf("publishbus: read error: %v", err)
			}
			return
		}
		e.acceptWrite(msg)
	}
}

func (e *Exporter) acceptWrite(msg inboundMessage) {
	kind, ok := writablePaths[msg.Path]
	if !ok {
		e.logger.Printf("publishbus: ignoring write to non-writable path %q", msg.Path)
		return
	}
	e.inbox.Push(model.Command{Kind: kind, Raw: msg.Value})
}

func (e *Exporter) sendSnapshot(conn *websocket.Conn) {
	snap := e.store.Snapshot()
	for path, entry := range snap {
		payload, err := json.Marshal(propertybus.Change{Path: path, Value: entry.Value, Rev: entry.Revision})
		if err != nil {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}
