package wire

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	helloType    = "bus.hello"
	helloAckType = "bus.hello.ack"

	maxControlLine = 64 * 1024
)

var (
	ErrInvalidHello    = errors.New("wire: invalid hello")
	ErrControlTooLarge = errors.New("wire: control message too large")
	ErrHelloRejected   = errors.New("wire: hello rejected")
)

// Hello opens a bus connection. Listen is the address the sender accepts
// peers on, empty for dial-only nodes.
type Hello struct {
	NodeID string `json:"node_id"`
	Listen string `json:"listen,omitempty"`
}

func (h Hello) Validate() error {
	if strings.TrimSpace(h.NodeID) == "" {
		return fmt.Errorf("%w: missing node_id", ErrInvalidHello)
	}
	return nil
}

// HelloAck answers a Hello with the acceptor's own node id.
type HelloAck struct {
	NodeID   string `json:"node_id"`
	Accepted bool   `json:"accepted"`
	Message  string `json:"message,omitempty"`
}

type control struct {
	Type  string    `json:"type"`
	Hello *Hello    `json:"hello,omitempty"`
	Ack   *HelloAck `json:"ack,omitempty"`
}

func WriteHello(w io.Writer, h Hello) error {
	if err := h.Validate(); err != nil {
		return err
	}
	return writeControl(w, control{Type: helloType, Hello: &h})
}

func ReadHello(r *bufio.Reader) (Hello, error) {
	c, err := readControl(r)
	if err != nil {
		return Hello{}, err
	}
	if c.Type != helloType || c.Hello == nil {
		return Hello{}, fmt.Errorf("%w: unexpected control type %q", ErrInvalidHello, c.Type)
	}
	if err := c.Hello.Validate(); err != nil {
		return Hello{}, err
	}
	return *c.Hello, nil
}

func WriteHelloAck(w io.Writer, ack HelloAck) error {
	if strings.TrimSpace(ack.NodeID) == "" {
		return fmt.Errorf("%w: ack missing node_id", ErrInvalidHello)
	}
	return writeControl(w, control{Type: helloAckType, Ack: &ack})
}

// ReadHelloAck returns ErrHelloRejected when the peer refused the session.
func ReadHelloAck(r *bufio.Reader) (HelloAck, error) {
	c, err := readControl(r)
	if err != nil {
		return HelloAck{}, err
	}
	if c.Type != helloAckType || c.Ack == nil {
		return HelloAck{}, fmt.Errorf("%w: unexpected control type %q", ErrInvalidHello, c.Type)
	}
	if !c.Ack.Accepted {
		return *c.Ack, fmt.Errorf("%w: %s", ErrHelloRejected, c.Ack.Message)
	}
	return *c.Ack, nil
}

func writeControl(w io.Writer, c control) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')
	_, err = w.Write(payload)
	return err
}

func readControl(r *bufio.Reader) (control, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return control{}, err
	}
	if len(line) > maxControlLine {
		return control{}, ErrControlTooLarge
	}
	var c control
	if err := json.Unmarshal(line, &c); err != nil {
		return control{}, err
	}
	return c, nil
}
