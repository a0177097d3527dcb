package stream

import (
	"bufio"
	"fmt"
	"net"
	"time"

	"github.com/semafield/semafield/pkg/core"
)

// Client pushes posed frames to a receiver over one TCP connection.
// Send blocks for the per-frame verdict, so a single client paces itself
// to the receiver. Not safe for concurrent use; open one client per
// sending goroutine.
type Client struct {
	conn net.Conn
	bw   *bufio.Writer
	br   *bufio.Reader
}

// Dial connects to a frame stream receiver.
func Dial(addr string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial frame stream %s: %w", addr, err)
	}
	return &Client{
		conn: conn,
		bw:   bufio.NewWriter(conn),
		br:   bufio.NewReader(conn),
	}, nil
}

// Send transmits one frame and waits for the receiver's verdict. The
// reason string is empty for accepted frames.
func (c *Client) Send(f *core.PosedFrame) (Status, string, error) {
	payload, err := core.EncodeFrame(f)
	if err != nil {
		return 0, "", fmt.Errorf("stream: encode frame: %w", err)
	}
	if err := writeEnvelope(c.bw, payload); err != nil {
		return 0, "", fmt.Errorf("stream: send frame: %w", err)
	}
	if err := c.bw.Flush(); err != nil {
		return 0, "", fmt.Errorf("stream: send frame: %w", err)
	}
	return readResponse(c.br)
}

// Close tears down the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
