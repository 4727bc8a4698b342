package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"strings"

	"github.com/borges-library/borges/internal/errors"
)

// maxEventBytes bounds a single event-stream line.
const maxEventBytes = 16 << 20

// ErrNoPayload is wrapped by the parse error returned when a body holds no
// response message at all.
var ErrNoPayload = stderrors.New("protocol: no parseable payload")

// sseEvent is one dispatched event of a text/event-stream body.
type sseEvent struct {
	Name string
	ID   string
	Data string
}

// sseDecoder splits an event stream into events. Lines accumulate into the
// pending event until a blank line (or end of body) dispatches it. Comment
// lines, unknown fields and retry hints are consumed without effect.
type sseDecoder struct {
	scanner *bufio.Scanner

	// pending event
	name    string
	id      string
	data    []string
	hasData bool
}

func newSSEDecoder(r io.Reader) *sseDecoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxEventBytes)
	return &sseDecoder{scanner: s}
}

// Next returns the next event carrying data. It returns io.EOF once the body
// is exhausted. Read errors are returned unchanged.
func (d *sseDecoder) Next() (sseEvent, error) {
	for d.scanner.Scan() {
		line := strings.TrimSuffix(d.scanner.Text(), "\r")

		if line == "" {
			if d.hasData {
				return d.dispatch(), nil
			}
			d.reset()
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "data":
			d.data = append(d.data, value)
			d.hasData = true
		case "event":
			d.name = value
		case "id":
			d.id = value
		}
	}

	if err := d.scanner.Err(); err != nil {
		return sseEvent{}, err
	}
	if d.hasData {
		return d.dispatch(), nil
	}
	return sseEvent{}, io.EOF
}

func (d *sseDecoder) dispatch() sseEvent {
	ev := sseEvent{Name: d.name, ID: d.id, Data: strings.Join(d.data, "\n")}
	d.reset()
	return ev
}

func (d *sseDecoder) reset() {
	d.name = ""
	d.id = ""
	d.data = d.data[:0]
	d.hasData = false
}

// readEventStream scans the stream for the response to wantID. Events whose
// data is not a JSON-RPC message fail the read; notifications, server
// requests and responses to other ids are skipped.
func readEventStream(r io.Reader, wantID int64) (*rpcResponse, error) {
	dec := newSSEDecoder(r)
	for {
		ev, err := dec.Next()
		if err == io.EOF {
			return nil, errors.NewParse("event stream ended without a response", ErrNoPayload)
		}
		if err != nil {
			if stderrors.Is(err, bufio.ErrTooLong) {
				return nil, errors.NewParse("event stream line too long", err)
			}
			return nil, err
		}
		if ev.Name != "" && ev.Name != "message" {
			continue
		}

		msg, err := decodeMessage([]byte(ev.Data))
		if err != nil {
			return nil, err
		}
		if msg.isResponseTo(wantID) {
			return msg, nil
		}
	}
}

// readJSONBody decodes a single JSON-RPC message body.
func readJSONBody(body []byte, wantID int64) (*rpcResponse, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errors.NewParse("empty response body", ErrNoPayload)
	}
	msg, err := decodeMessage(body)
	if err != nil {
		return nil, err
	}
	if !msg.isResponseTo(wantID) {
		return nil, errors.NewParse(fmt.Sprintf("response does not answer request %d", wantID), ErrNoPayload)
	}
	return msg, nil
}

// decodeMessage decodes one JSON-RPC message. A message that was itself
// encoded as a JSON string is decoded a second time.
func decodeMessage(data []byte) (*rpcResponse, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var inner string
		if err := json.Unmarshal(data, &inner); err != nil {
			return nil, errors.NewParse("malformed payload", err)
		}
		data = []byte(inner)
	}

	var msg rpcResponse
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, errors.NewParse("malformed payload", err)
	}
	if msg.JSONRPC != "" && msg.JSONRPC != jsonrpcVersion {
		return nil, errors.NewParse(fmt.Sprintf("unsupported jsonrpc version %q", msg.JSONRPC), nil)
	}
	return &msg, nil
}
