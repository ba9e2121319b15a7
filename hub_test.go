package reloadproxy

import (
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const testConnBufSize = 32

func mockHub(numConnections int) (h *hub) {
	h = newHub(zap.NewNop(), NewMetrics())
	h.Start()
	for i := 0; i < numConnections; i++ {
		h.register <- mockConn()
	}
	return h
}

func mockConn() *connection {
	return &connection{
		id:      uuid.New(),
		send:    make(chan []byte, testConnBufSize),
		created: time.Now(),
	}
}

func mockSinkedHub(numConnections int) (h *hub) {
	h = newHub(zap.NewNop(), NewMetrics())
	h.Start()
	for i := 0; i < numConnections; i++ {
		h.register <- mockSinkedConn(h)
	}
	return h
}

// mock a connection that sinks data sent to it
func mockSinkedConn(h *hub) *connection {
	c := mockConn()
	go func() {
		for range c.send {
			// no-op, but will break loop if chan is closed
		}
		// in practice, a connection tries to unregister itself here
		h.Unregister(c)
	}()
	return c
}

// drain returns every message queued on c without blocking.
func drain(c *connection) []string {
	var msgs []string
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return msgs
			}
			msgs = append(msgs, string(msg))
		default:
			return msgs
		}
	}
}

func TestRegisterSendsConnectedFirst(t *testing.T) {
	h := mockHub(0)
	c := mockConn()
	h.register <- c
	h.broadcast <- reloadEvent
	h.Shutdown() // ensures delivery is finished

	msgs := drain(c)
	expected := []string{"data: connected\n\n", "data: reload\n\n"}
	if len(msgs) != len(expected) {
		t.Fatalf("unexpected messages: got %q want %q", msgs, expected)
	}
	for i := range expected {
		if msgs[i] != expected[i] {
			t.Errorf("message %d: got %q want %q", i, msgs[i], expected[i])
		}
	}
}

func TestBroadcastFanout(t *testing.T) {
	h := mockHub(0)
	c1, c2, c3 := mockConn(), mockConn(), mockConn()
	h.register <- c1
	h.register <- c2
	h.register <- c3
	h.unregister <- c3

	h.broadcast <- reloadEvent
	h.broadcast <- reloadEvent
	h.Shutdown()

	// connected ack + two reloads
	for i, c := range []*connection{c1, c2} {
		if actual := len(drain(c)); actual != 3 {
			t.Errorf("conn %d: expected 3 messages, actual: %d", i, actual)
		}
	}
	// only the connected ack, the unregister came before any broadcast
	if msgs := drain(c3); len(msgs) != 1 || msgs[0] != "data: connected\n\n" {
		t.Errorf("unregistered conn got unexpected messages: %q", msgs)
	}
}

// A broadcast goes to the subscribers present when it is handled, and is not
// held back for ones that register afterwards.
func TestBroadcastNotReplayedToLateSubscriber(t *testing.T) {
	h := mockHub(0)
	early, late := mockConn(), mockConn()
	h.register <- early
	h.broadcast <- reloadEvent
	h.register <- late
	h.Shutdown()

	if msgs := drain(early); len(msgs) != 2 {
		t.Errorf("early conn: expected connected+reload, got %q", msgs)
	}
	if msgs := drain(late); len(msgs) != 1 || msgs[0] != "data: connected\n\n" {
		t.Errorf("late conn got an earlier broadcast: %q", msgs)
	}
}

func TestBroadcastWithNoConnections(t *testing.T) {
	h := mockHub(0)
	defer h.Shutdown()

	h.broadcast <- reloadEvent
	if got := h.Snapshot().SentMsgs; got != 1 {
		t.Errorf("unexpected sent count: got %v want %v", got, 1)
	}
}

// if we force unregister a connection from the hub, we tell it exit by closing
// its send channel. when a connection exits for any reason, it tries to
// unregister itself from the hub. thus, this could lead to a panic if we
// tried to close twice...
func TestDoubleUnregister(t *testing.T) {
	h := mockHub(0)
	defer h.Shutdown()

	c1 := mockSinkedConn(h)
	c2 := mockSinkedConn(h)
	h.register <- c1
	h.register <- c2
	h.unregister <- c1
	h.unregister <- c1
	h.broadcast <- Event{Data: []byte("no-op to ensure finished")}

	actual, expected := len(h.Snapshot().Connections), 1
	if actual != expected {
		t.Errorf("unexpected num of conns: got %v want %v", actual, expected)
	}
}

// unregistering something that was never registered is harmless
func TestUnregisterUnknown(t *testing.T) {
	h := mockHub(1)
	defer h.Shutdown()

	h.Unregister(mockConn())
	if actual := len(h.Snapshot().Connections); actual != 1 {
		t.Errorf("unexpected num of conns: got %v want %v", actual, 1)
	}
}

// test double register is no-op
func TestDoubleRegister(t *testing.T) {
	h := mockHub(0)
	defer h.Shutdown()

	c1 := mockSinkedConn(h)
	h.register <- c1
	h.register <- c1

	actual, expected := len(h.Snapshot().Connections), 1
	if actual != expected {
		t.Errorf("unexpected num of conns: got %v want %v", actual, expected)
	}
}

// a connection closed by the hub may not come back
func TestRegisterClosedConnection(t *testing.T) {
	h := mockHub(0)
	defer h.Shutdown()

	c := mockConn()
	h.register <- c
	h.unregister <- c
	h.register <- c

	if actual := len(h.Snapshot().Connections); actual != 0 {
		t.Errorf("unexpected num of conns: got %v want %v", actual, 0)
	}
}

// a connection that is not reading should eventually be killed
func TestKillsStalledConnection(t *testing.T) {
	h := mockHub(0)
	defer h.Shutdown()

	stalled := mockConn()        // slow connection - never reads
	sinked := mockSinkedConn(h) // hungry connection - reads everything
	h.register <- stalled
	h.register <- sinked
	if n := len(h.Snapshot().Connections); n != 2 {
		t.Fatal("unexpected num of conns after test setup!:", n)
	}

	// overflow the stalled buffer by 50%
	for i := 0; i <= testConnBufSize+testConnBufSize/2; i++ {
		h.broadcast <- reloadEvent
		// need to pause execution the tiniest bit to allow
		// other goroutines to execute if running on GOMAXPROCS=1
		time.Sleep(time.Nanosecond)
	}

	// one of the connections should have been shutdown now...
	conns := h.Snapshot().Connections
	if actual := len(conns); actual != 1 {
		t.Fatalf("unexpected num of conns: got %v want %v", actual, 1)
	}
	// ...and it better not be our hungry friend
	if conns[0].ID != sinked.id.String() {
		t.Error("wrong connection appears to have been shutdown!")
	}
	if _, ok := <-stalled.send; !ok {
		t.Error("stalled connection should still hold its queued messages")
	}
}

func TestShutdownClosesConnections(t *testing.T) {
	h := mockHub(0)
	c := mockConn()
	h.register <- c
	h.Shutdown()

	drain(c)
	if _, ok := <-c.send; ok {
		t.Error("send channel should be closed after shutdown")
	}

	// calls after shutdown must not block
	if h.Register(mockConn()) {
		t.Error("register after shutdown should report false")
	}
	h.Unregister(c)
	h.Broadcast(reloadEvent)
	h.Shutdown()
}

func BenchmarkRegister(b *testing.B) {
	h := mockHub(0)
	defer h.Shutdown()
	c := mockSinkedConn(h)

	b.ResetTimer()
	for n := 0; n < b.N; n++ {
		h.register <- c
	}
	b.StopTimer()
}

func BenchmarkBroadcast(b *testing.B) {
	var sizes = []int{1, 10, 100, 500, 1000}

	for _, s := range sizes {
		b.Run(strconv.Itoa(s), func(b *testing.B) {
			h := mockSinkedHub(s)
			b.ResetTimer()
			for n := 0; n < b.N; n++ {
				h.broadcast <- reloadEvent
			}
			b.StopTimer()
			h.Shutdown()
		})
	}
}
