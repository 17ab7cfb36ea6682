package protocol

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"
)

// Default write deadline for a single frame. The control channel carries
// small frames; a peer that cannot absorb one in this window is treated as
// gone.
const writeTimeout = 10 * time.Second

// maxFrameSize bounds a single frame on the read side. Sync data frames are
// the largest legitimate traffic (whole artifacts, base64-encoded).
const maxFrameSize = 16 << 20

// Conn frames a net.Conn into protocol messages: one JSON object per line.
// Send is safe for concurrent use; Recv must be called from a single reader
// goroutine.
type Conn struct {
	nc  net.Conn
	dec *json.Decoder
	wmu sync.Mutex
}

// NewConn wraps an established network connection.
func NewConn(nc net.Conn) *Conn {
	return &Conn{nc: nc, dec: json.NewDecoder(nc)}
}

// Send writes one frame, newline-terminated.
func (c *Conn) Send(f *Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(data) > maxFrameSize {
		return fmt.Errorf("frame %s exceeds size limit", f.Type)
	}
	data = append(data, '\n')

	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.nc.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := c.nc.Write(data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// SendPayload marshals payload into an envelope and sends it.
func (c *Conn) SendPayload(frameType, sessionID string, payload any) error {
	f, err := NewFrame(frameType, sessionID, payload)
	if err != nil {
		return err
	}
	return c.Send(f)
}

// Recv blocks until the next frame arrives. A malformed frame is a protocol
// error: the caller is expected to drop the connection.
func (c *Conn) Recv() (*Frame, error) {
	var f Frame
	if err := c.dec.Decode(&f); err != nil {
		return nil, err
	}
	if f.Type == "" {
		return nil, fmt.Errorf("frame missing type")
	}
	return &f, nil
}

// SetReadDeadline bounds the next Recv.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.nc.SetReadDeadline(t)
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.nc.Close()
}
