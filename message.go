package reloadproxy

import "bytes"

// Event is a message suitable for sending over a Server-Sent Event stream.
type Event struct {
	Name string // event scope for the message [optional]
	Data []byte // message payload
}

var (
	connectedEvent = Event{Data: []byte("connected")}
	reloadEvent    = Event{Data: []byte("reload")}
)

// sseFormat is the formatted bytestring for an SSE message, ready to be sent.
//
// Multi-line payloads are split so every line gets its own "data:" field,
// which EventSource rejoins with newlines on the client side.
func (e Event) sseFormat() []byte {
	b := make([]byte, 0, 7+len(e.Name)+6+len(e.Data)+2)
	if e.Name != "" {
		b = append(b, "event: "...)
		b = append(b, e.Name...)
		b = append(b, '\n')
	}
	for _, line := range bytes.Split(e.Data, []byte{'\n'}) {
		b = append(b, "data: "...)
		b = append(b, line...)
		b = append(b, '\n')
	}
	b = append(b, '\n')
	return b
}
