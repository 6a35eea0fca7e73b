package hl7v2

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// MLLP framing bytes.
const (
	MLLPStartBlock     byte = 0x0B
	MLLPEndBlock       byte = 0x1C
	MLLPCarriageReturn byte = 0x0D
)

const maxFrameSize = 1 << 20

// ErrNegativeAck is returned when the receiver answers with AE, AR, CE or CR.
var ErrNegativeAck = errors.New("hl7v2: message not accepted")

// FrameMessage wraps data as <VT> data <FS><CR>.
func FrameMessage(data []byte) []byte {
	frame := make([]byte, 0, len(data)+3)
	frame = append(frame, MLLPStartBlock)
	frame = append(frame, data...)
	return append(frame, MLLPEndBlock, MLLPCarriageReturn)
}

// UnframeMessage extracts the first complete frame in data. It returns the
// message, the bytes after the frame, and whether a frame was found.
func UnframeMessage(data []byte) (message []byte, rest []byte, found bool) {
	start := bytes.IndexByte(data, MLLPStartBlock)
	if start == -1 {
		return nil, data, false
	}
	end := bytes.Index(data[start+1:], []byte{MLLPEndBlock, MLLPCarriageReturn})
	if end == -1 {
		return nil, data, false
	}
	end += start + 1
	return data[start+1 : end], data[end+2:], true
}

// Client sends framed messages to an MLLP listener and waits for the ACK.
// Each Send uses its own connection.
type Client struct {
	addr    string
	timeout time.Duration
	dialer  net.Dialer
}

func NewClient(addr string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{addr: addr, timeout: timeout}
}

func (c *Client) Addr() string { return c.addr }

// Send delivers msg and returns the parsed acknowledgement. A negative ACK
// is returned together with ErrNegativeAck.
func (c *Client) Send(ctx context.Context, msg []byte) (*Message, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("hl7v2: dial %s: %w", c.addr, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := conn.Write(FrameMessage(msg)); err != nil {
		return nil, fmt.Errorf("hl7v2: write: %w", err)
	}

	raw, err := readFrame(bufio.NewReader(conn))
	if err != nil {
		return nil, fmt.Errorf("hl7v2: read ack: %w", err)
	}
	ack, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	switch code := ack.AckCode(); code {
	case "AA", "CA":
		return ack, nil
	case "":
		return ack, fmt.Errorf("hl7v2: reply has no MSA segment")
	default:
		return ack, fmt.Errorf("%w: %s %s", ErrNegativeAck, code, ack.GetSegment("MSA").GetField(3))
	}
}

func readFrame(r *bufio.Reader) ([]byte, error) {
	var buf []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		buf = append(buf, b)
		if b == MLLPCarriageReturn {
			if msg, _, ok := UnframeMessage(buf); ok {
				return msg, nil
			}
		}
		if len(buf) > maxFrameSize {
			return nil, fmt.Errorf("frame exceeds %d bytes", maxFrameSize)
		}
	}
}
