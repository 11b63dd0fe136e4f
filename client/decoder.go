// Package client consumes the relay's event stream: it reassembles frames from
// arbitrary byte deliveries and folds the events into a single answer.
package client

import (
	"bytes"
	"encoding/json"

	"dev-assistant/domain/chat"

	"github.com/sirupsen/logrus"
)

var (
	frameTerminator = []byte("\n\n")
	dataField       = []byte("data:")
)

// FrameDecoder extracts events from a byte stream whose delivery boundaries do
// not line up with frame boundaries. It is not safe for concurrent use.
type FrameDecoder struct {
	buf []byte
}

func NewFrameDecoder() *FrameDecoder {
	return &FrameDecoder{}
}

// Feed appends p to the pending buffer and returns every event completed by it,
// in wire order. An incomplete trailing frame stays buffered for the next call.
func (d *FrameDecoder) Feed(p []byte) []chat.StreamEvent {
	d.buf = append(d.buf, p...)

	var events []chat.StreamEvent
	consumed := 0
	for {
		idx := bytes.Index(d.buf[consumed:], frameTerminator)
		if idx < 0 {
			break
		}
		frame := d.buf[consumed : consumed+idx]
		consumed += idx + len(frameTerminator)

		if event, ok := decodeFrame(frame); ok {
			events = append(events, event)
		}
	}

	if consumed > 0 {
		d.buf = append(d.buf[:0], d.buf[consumed:]...)
	}
	return events
}

// Pending reports how many bytes of an incomplete frame are buffered
func (d *FrameDecoder) Pending() int {
	return len(d.buf)
}

// Reset drops any buffered partial frame
func (d *FrameDecoder) Reset() {
	d.buf = d.buf[:0]
}

func decodeFrame(frame []byte) (chat.StreamEvent, bool) {
	var payload [][]byte
	for _, line := range bytes.Split(frame, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		if !bytes.HasPrefix(line, dataField) {
			// comments and other fields carry nothing we use
			continue
		}
		value := line[len(dataField):]
		value = bytes.TrimPrefix(value, []byte(" "))
		payload = append(payload, value)
	}
	if len(payload) == 0 {
		return chat.StreamEvent{}, false
	}

	data := bytes.Join(payload, []byte("\n"))
	var event chat.StreamEvent
	if err := json.Unmarshal(data, &event); err != nil {
		logrus.WithError(err).WithField("frame", truncate(string(data), 200)).Warn("Skipping undecodable stream frame")
		return chat.StreamEvent{}, false
	}
	return event, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
