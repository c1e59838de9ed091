package stream

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
)

// SSEMessage is one server-sent event as seen on the wire.
type SSEMessage struct {
	Data  string
	ID    string
	HasID bool
}

// WriteSSE writes one event. Each line of data becomes a data: field; id
// is omitted when nil. The caller flushes.
func WriteSSE(w io.Writer, data, id []byte) error {
	var buf bytes.Buffer
	for _, line := range bytes.Split(data, []byte("\n")) {
		buf.WriteString("data: ")
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if id != nil {
		if bytes.ContainsAny(id, "\r\n") {
			return errors.New("stream: sse id must be a single line")
		}
		buf.WriteString("id: ")
		buf.Write(id)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	_, err := w.Write(buf.Bytes())
	return err
}

// SSEReader parses an event stream.
type SSEReader struct {
	r *bufio.Reader
}

func NewSSEReader(r io.Reader) *SSEReader {
	return &SSEReader{r: bufio.NewReader(r)}
}

// Next returns the next dispatched event. Comment lines and unknown fields
// are skipped. It returns io.EOF when the stream ends between events.
func (s *SSEReader) Next() (SSEMessage, error) {
	var (
		msg     SSEMessage
		data    []string
		started bool
	)
	for {
		line, err := s.r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				if started || line != "" {
					return SSEMessage{}, io.ErrUnexpectedEOF
				}
				return SSEMessage{}, io.EOF
			}
			return SSEMessage{}, fmt.Errorf("reading event stream: %w", err)
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if !started {
				continue
			}
			msg.Data = strings.Join(data, "\n")
			return msg, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "data":
			data = append(data, value)
			started = true
		case "id":
			msg.ID = value
			msg.HasID = true
			started = true
		}
	}
}
