package node

import (
	"context"
	"fmt"

	"github.com/postalsys/p2p-node/internal/identity"
	"github.com/postalsys/p2p-node/internal/mux"
)

// Handler serves inbound streams for one protocol tag. Each stream runs in
// its own goroutine; the node closes the stream when HandleStream returns.
type Handler interface {
	HandleStream(ctx context.Context, peerID identity.PeerID, st *mux.Stream)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, peerID identity.PeerID, st *mux.Stream)

// HandleStream calls f.
func (f HandlerFunc) HandleStream(ctx context.Context, peerID identity.PeerID, st *mux.Stream) {
	f(ctx, peerID, st)
}

type registration struct {
	name    string
	handler Handler
}

// Register binds a protocol tag to a handler. It must be called before
// Start; streams opened by peers with unregistered tags end the session.
func (n *Node) Register(tag uint16, name string, h Handler) error {
	if n.started.Load() {
		return fmt.Errorf("register %s: %w", name, ErrAlreadyStarted)
	}
	if h == nil {
		return fmt.Errorf("register %s: nil handler", name)
	}
	if existing, ok := n.handlers[tag]; ok {
		return fmt.Errorf("tag %d already registered by %s", tag, existing.name)
	}
	n.handlers[tag] = registration{name: name, handler: h}
	return nil
}

// Protocols returns the registered protocol names by tag.
func (n *Node) Protocols() map[uint16]string {
	out := make(map[uint16]string, len(n.handlers))
	for tag, reg := range n.handlers {
		out[tag] = reg.name
	}
	return out
}

func (n *Node) hasHandler(tag uint16) bool {
	_, ok := n.handlers[tag]
	return ok
}

// dispatch runs the handler for an inbound stream. It is called from the
// session read loop and must not block.
func (n *Node) dispatch(st *mux.Stream) {
	reg, ok := n.handlers[st.Tag()]
	if !ok {
		st.Reset()
		return
	}
	n.table.Touch(st.PeerID())

	n.goTracked("handler:"+reg.name, func() {
		defer st.Close()
		reg.handler.HandleStream(n.ctx, st.PeerID(), st)
	})
}
