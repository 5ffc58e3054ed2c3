package shepherd

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/peterje/coderunner/internal/terminal"
)

// Frame types for the binary protocol.
const (
	frameControl byte = 0x01 // JSON Request or Response
	frameEvent   byte = 0x02 // JSON Event
)

// Stream roles. A client opens one stream of each kind per connection and
// announces its role with the first byte.
const (
	roleControl byte = 'c'
	roleEvents  byte = 'e'

	// eventsReady is written back once an event stream is subscribed.
	eventsReady byte = 0x06
)

// Command types for JSON control messages.
const (
	cmdPing  = "ping"
	cmdStart = "start"
	cmdInput = "input"
	cmdStop  = "stop"
	cmdList  = "list"
)

// Event types sent from shepherd to client.
const (
	evtPong     = "pong"
	evtStarted  = "started"
	evtError    = "error"
	evtStopDone = "stop_done"
	evtList     = "list"
)

// Error kinds the client maps back to sentinel errors.
const kindUnsupportedLanguage = "unsupported_language"

// Request is a JSON control message from client to shepherd. Input requests
// carry no ID and get no response.
type Request struct {
	ID      string `json:"id,omitempty"`
	Command string `json:"command"`

	Key      string `json:"key,omitempty"`
	Code     string `json:"code,omitempty"`
	Language string `json:"language,omitempty"`
	Data     string `json:"data,omitempty"`
}

// Response is a JSON control message from shepherd to client.
type Response struct {
	ID    string `json:"id"`
	Event string `json:"event"`

	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`

	Keys []string `json:"keys,omitempty"`
}

// Event carries one session frame to subscribed clients.
type Event struct {
	Topic string         `json:"topic"`
	Frame terminal.Frame `json:"frame"`
}

// Wire format:
//   [4 bytes big-endian length][1 byte frame type][JSON payload]

const maxFrameSize = 10 * 1024 * 1024

func writeFrame(w io.Writer, frameType byte, payload []byte) error {
	buf := make([]byte, 5+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(1+len(payload)))
	buf[4] = frameType
	copy(buf[5:], payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func writeJSON(w io.Writer, frameType byte, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return writeFrame(w, frameType, data)
}

func readFrame(r io.Reader) (byte, []byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return 0, nil, err
	}
	if length == 0 {
		return 0, nil, fmt.Errorf("empty frame")
	}
	if length > maxFrameSize {
		return 0, nil, fmt.Errorf("frame too large: %d", length)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, nil, err
	}
	return buf[0], buf[1:], nil
}
