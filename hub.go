package reloadproxy

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// A connection hub keeps track of all the active subscriber connections, and
// handles broadcasting events out to them.
//
// The connections map is owned by the run goroutine; everything else talks to
// it over channels, so a disconnect arriving mid-broadcast is simply handled
// after the broadcast finishes.
type hub struct {
	broadcast   chan Event              // Inbound events to propagate out.
	connections map[*connection]bool    // Registered connections.
	register    chan *connection        // Register requests from the connections.
	unregister  chan *connection        // Unregister requests from connections.
	status      chan chan hubStatus     // Snapshot requests.
	quit        chan struct{}           // Closed to ask run to exit.
	done        chan struct{}           // Closed once run has exited.
	startOnce   sync.Once
	stopOnce    sync.Once
	sentMsgs    uint64    // Events broadcast since startup
	startupTime time.Time // Time hub was created

	log     *zap.Logger
	metrics *Metrics
}

type hubStatus struct {
	SentMsgs    uint64
	StartupTime time.Time
	Connections []connectionStatus
}

func newHub(log *zap.Logger, metrics *Metrics) *hub {
	return &hub{
		broadcast:   make(chan Event),
		connections: make(map[*connection]bool),
		register:    make(chan *connection),
		unregister:  make(chan *connection),
		status:      make(chan chan hubStatus),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		startupTime: time.Now(),
		log:         log,
		metrics:     metrics,
	}
}

// Start launches the run loop. Calling it more than once has no effect.
func (h *hub) Start() {
	h.startOnce.Do(func() {
		go h.run()
	})
}

// Shutdown closes every registered connection and stops the run loop. It is
// safe to call multiple times, and blocks until the loop has exited.
func (h *hub) Shutdown() {
	h.stopOnce.Do(func() {
		close(h.quit)
	})
	<-h.done
}

// Register adds c to the hub. It reports false if the hub has been shut down,
// in which case c will never receive anything.
func (h *hub) Register(c *connection) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes c from the hub. Unregistering a connection that is not
// (or no longer) registered is a no-op.
func (h *hub) Unregister(c *connection) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Broadcast queues e for every connection registered at the time the hub
// receives it. It is a no-op once the hub has been shut down.
func (h *hub) Broadcast(e Event) {
	select {
	case h.broadcast <- e:
	case <-h.done:
	}
}

// Snapshot returns the current hub status.
func (h *hub) Snapshot() hubStatus {
	reply := make(chan hubStatus, 1)
	select {
	case h.status <- reply:
		return <-reply
	case <-h.done:
		return hubStatus{SentMsgs: h.sentMsgs, StartupTime: h.startupTime}
	}
}

func (h *hub) run() {
	defer close(h.done)
	for {
		select {
		case c := <-h.register:
			if h.connections[c] || c.closed {
				continue
			}
			h.connections[c] = true
			h.metrics.Subscribers.Set(float64(len(h.connections)))
			h.log.Debug("subscriber registered", zap.Stringer("id", c.id))
			// the acknowledgement goes out before anything broadcast later
			h.deliver(c, connectedEvent.sseFormat())
		case c := <-h.unregister:
			h.remove(c)
		case e := <-h.broadcast:
			h.sentMsgs++
			h.metrics.Broadcasts.Inc()
			h.log.Info("broadcasting event",
				zap.ByteString("data", e.Data),
				zap.Int("subscribers", len(h.connections)),
			)
			formatted := e.sseFormat()
			for c := range h.connections {
				h.deliver(c, formatted)
			}
		case reply := <-h.status:
			reply <- h.snapshot()
		case <-h.quit:
			for c := range h.connections {
				h.remove(c)
			}
			return
		}
	}
}

// deliver queues msg on c without blocking. A connection whose buffer is full
// has stopped draining it and is killed.
//
// The queue only smooths writes to the socket. Recipients are fixed when the
// broadcast is handled, nothing is kept for subscribers that arrive later,
// and a subscriber that cannot keep up is dropped rather than waited on.
func (h *hub) deliver(c *connection, msg []byte) {
	select {
	case c.send <- msg:
		h.metrics.EventsDelivered.Inc()
	default:
		h.log.Debug("subscriber send queue full, dropping it", zap.Stringer("id", c.id))
		h.metrics.SubscribersDropped.Inc()
		h.remove(c)
	}
}

// remove deletes c and closes its send channel, telling its writer to exit.
// Only registered connections are closed, so a connection is closed at most
// once no matter how many times it is unregistered.
func (h *hub) remove(c *connection) {
	if !h.connections[c] {
		return
	}
	delete(h.connections, c)
	c.closed = true
	close(c.send)
	h.metrics.Subscribers.Set(float64(len(h.connections)))
	h.log.Debug("subscriber removed", zap.Stringer("id", c.id))
}

func (h *hub) snapshot() hubStatus {
	cl := make([]connectionStatus, 0, len(h.connections))
	for c := range h.connections {
		cl = append(cl, c.Status())
	}
	return hubStatus{
		SentMsgs:    h.sentMsgs,
		StartupTime: h.startupTime,
		Connections: cl,
	}
}
