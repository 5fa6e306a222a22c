package bootstrap

import (
	"crypto/tls"
	"net"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/dIO/common"
	"github.com/ValentinKolb/dIO/lib/elg"
	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
)

const (
	readBufferSize  = 32 * 1024 // 32 KB
	writeQueueDepth = 64
)

var channelsOpen = metrics.GetOrCreateCounter(`dio_bootstrap_channels_open`)

// writeRequest is one queued Write call
type writeRequest struct {
	data   []byte
	onDone func(n int, err error)
}

// Channel is an established connection that is bound to exactly one loop for
// its whole lifetime. Every callback of the channel runs on that loop.
type Channel struct {
	id       string
	loop     *elg.Loop
	conn     net.Conn
	tlsState *tls.ConnectionState

	writeCh chan writeRequest
	closeCh chan struct{}

	reading   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// newChannel wraps conn and starts its writer goroutine
func newChannel(loop *elg.Loop, conn net.Conn) *Channel {
	ch := &Channel{
		id:      uuid.NewString(),
		loop:    loop,
		conn:    conn,
		writeCh: make(chan writeRequest, writeQueueDepth),
		closeCh: make(chan struct{}),
	}
	if tlsConn, ok := conn.(*tls.Conn); ok {
		state := tlsConn.ConnectionState()
		ch.tlsState = &state
	}
	channelsOpen.Inc()
	go ch.writeLoop()
	return ch
}

// ID returns the unique id of the channel
func (c *Channel) ID() string { return c.id }

// Loop returns the loop the channel is bound to
func (c *Channel) Loop() *elg.Loop { return c.loop }

// Conn returns the underlying connection. Reading from it directly while
// StartReading is active is not supported.
func (c *Channel) Conn() net.Conn { return c.conn }

// RemoteAddr returns the address of the peer
func (c *Channel) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// LocalAddr returns the local address
func (c *Channel) LocalAddr() net.Addr { return c.conn.LocalAddr() }

// TLS reports whether the channel is encrypted
func (c *Channel) TLS() bool { return c.tlsState != nil }

// TLSState returns the state of the completed handshake, nil for plain channels
func (c *Channel) TLSState() *tls.ConnectionState { return c.tlsState }

// NegotiatedProtocol returns the protocol selected by ALPN, "" if none
func (c *Channel) NegotiatedProtocol() string {
	if c.tlsState == nil {
		return ""
	}
	return c.tlsState.NegotiatedProtocol
}

// Closed reports whether Close was called
func (c *Channel) Closed() bool { return c.closed.Load() }

// Execute runs fn on the channel's loop
func (c *Channel) Execute(fn func()) error {
	return c.loop.Submit(fn)
}

// Write queues p for writing. Writes are performed in call order; onDone (may
// be nil) runs on the channel's loop once the write finished.
func (c *Channel) Write(p []byte, onDone func(n int, err error)) error {
	if c.closed.Load() {
		return common.InvalidState("bootstrap.Channel.Write", "channel is closed")
	}

	data := make([]byte, len(p))
	copy(data, p)

	select {
	case c.writeCh <- writeRequest{data: data, onDone: onDone}:
		return nil
	case <-c.closeCh:
		return common.InvalidState("bootstrap.Channel.Write", "channel is closed")
	}
}

// StartReading starts delivering received data. Chunks are passed to onData
// in the order they were read, followed by exactly one call of onClose with
// nil for a clean end of stream or the read error otherwise. Both run on the
// channel's loop. StartReading may be called once.
func (c *Channel) StartReading(onData func([]byte), onClose func(error)) error {
	if onData == nil {
		return common.Configuration("bootstrap.Channel.StartReading", "data callback is required", nil)
	}
	if c.closed.Load() {
		return common.InvalidState("bootstrap.Channel.StartReading", "channel is closed")
	}
	if !c.reading.CompareAndSwap(false, true) {
		return common.InvalidState("bootstrap.Channel.StartReading", "channel is already reading")
	}
	go c.readLoop(onData, onClose)
	return nil
}

// Close closes the connection and stops the channel's goroutines.
// It is safe to call Close more than once.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.closeCh)
		c.closeErr = c.conn.Close()
		channelsOpen.Dec()
		Logger.Debugf("Closed channel %s to %s", c.id, c.conn.RemoteAddr())
	})
	return c.closeErr
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (c *Channel) writeLoop() {
	for {
		select {
		case req := <-c.writeCh:
			n, err := c.conn.Write(req.data)
			c.notify(req.onDone, n, err)
		case <-c.closeCh:
			// fail everything still queued
			for {
				select {
				case req := <-c.writeCh:
					c.notify(req.onDone, 0, net.ErrClosed)
				default:
					return
				}
			}
		}
	}
}

func (c *Channel) notify(onDone func(int, error), n int, err error) {
	if onDone == nil {
		return
	}
	if submitErr := c.loop.Submit(func() { onDone(n, err) }); submitErr != nil {
		Logger.Debugf("Dropping write completion of channel %s: %v", c.id, submitErr)
	}
}

func (c *Channel) readLoop(onData func([]byte), onClose func(error)) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if submitErr := c.loop.Submit(func() { onData(chunk) }); submitErr != nil {
				Logger.Debugf("Dropping data of channel %s: %v", c.id, submitErr)
			}
		}
		if err != nil {
			if isCleanClose(err) || c.closed.Load() {
				err = nil
			}
			_ = c.Close()
			if onClose != nil {
				if submitErr := c.loop.Submit(func() { onClose(err) }); submitErr != nil {
					Logger.Debugf("Dropping close notification of channel %s: %v", c.id, submitErr)
				}
			}
			return
		}
	}
}
