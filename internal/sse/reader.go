// Package sse reads server-sent-event framed response bodies.
package sse

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"
)

// ErrDone is returned when the stream sends the "[DONE]" sentinel.
var ErrDone = errors.New("sse: done")

// Event is one dispatched event.
type Event struct {
	Name string
	Data []byte
}

// Reader splits a body into events. It is not safe for concurrent use.
type Reader struct {
	reader *bufio.Reader
	body   io.Closer
}

// NewReader wraps body. Close closes body.
func NewReader(body io.ReadCloser) *Reader {
	return &Reader{reader: bufio.NewReaderSize(body, 64*1024), body: body}
}

// Next returns the next event. It returns ErrDone on the sentinel and io.EOF
// when the body ends without one.
func (r *Reader) Next() (Event, error) {
	var name string
	var data bytes.Buffer

	dispatch := func() (Event, error) {
		payload := data.Bytes()
		if strings.TrimSpace(string(payload)) == "[DONE]" {
			return Event{}, ErrDone
		}
		return Event{Name: name, Data: payload}, nil
	}

	for {
		line, err := r.reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return Event{}, err
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if data.Len() == 0 {
				if err == io.EOF {
					return Event{}, io.EOF
				}
				continue
			}
			return dispatch()
		}

		switch {
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}

		if err == io.EOF {
			if data.Len() == 0 {
				return Event{}, io.EOF
			}
			return dispatch()
		}
	}
}

// Close closes the underlying body.
func (r *Reader) Close() error {
	if r.body != nil {
		return r.body.Close()
	}
	return nil
}
