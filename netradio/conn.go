package netradio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"geekpaste/session"
)

type timeouts struct {
	idle  time.Duration
	frame time.Duration
	call  time.Duration
}

// linkConn is the framed TCP connection shared by both link roles.
//
// Only the read loop emits events. They are queued and forwarded by pump so the read
// loop never blocks on a slow consumer, which may itself be waiting for a write ack.
type linkConn struct {
	raw      net.Conn
	address  string
	remoteID string
	timeouts timeouts

	sendMu sync.Mutex

	mu      sync.Mutex
	mtu     int
	pending map[uint64]chan radioFrame
	nextID  atomic.Uint64

	events chan session.LinkEvent
	qmu    sync.Mutex
	queue  []session.LinkEvent
	wake   chan struct{}

	readDone  chan struct{}
	abandoned chan struct{}
	closeOnce sync.Once
}

func newLinkConn(raw net.Conn, address, remoteID string, t timeouts) *linkConn {
	c := &linkConn{
		raw:       raw,
		address:   address,
		remoteID:  remoteID,
		timeouts:  t,
		mtu:       session.DefaultMTU,
		pending:   make(map[uint64]chan radioFrame),
		events:    make(chan session.LinkEvent, 16),
		wake:      make(chan struct{}, 1),
		readDone:  make(chan struct{}),
		abandoned: make(chan struct{}),
	}
	go c.pump()
	return c
}

func (c *linkConn) Address() string {
	return c.address
}

// RemoteDeviceID returns the device id the peer announced in its hello.
func (c *linkConn) RemoteDeviceID() string {
	return c.remoteID
}

func (c *linkConn) Events() <-chan session.LinkEvent {
	return c.events
}

// MTU returns the negotiated MTU.
func (c *linkConn) MTU() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mtu
}

func (c *linkConn) setMTU(mtu int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mtu = mtu
}

func (c *linkConn) checkValue(value []byte) error {
	limit := c.MTU() - session.ATTOverhead
	if len(value) > limit {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrValueTooLong, len(value), limit)
	}
	return nil
}

// Close tells the peer and tears the connection down. Pending events are dropped.
func (c *linkConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.abandoned)
		_ = c.send(radioFrame{Op: opDisconnect})
		err = c.raw.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
	})
	return err
}

func (c *linkConn) isAbandoned() bool {
	select {
	case <-c.abandoned:
		return true
	default:
		return false
	}
}

func (c *linkConn) send(frame radioFrame) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.timeouts.frame > 0 {
		if err := c.raw.SetWriteDeadline(time.Now().Add(c.timeouts.frame)); err != nil {
			return fmt.Errorf("set write deadline: %w", err)
		}
	}
	return writeFrame(c.raw, frame)
}

// call sends a request and waits for the response carrying the same id.
func (c *linkConn) call(ctx context.Context, frame radioFrame) (radioFrame, error) {
	id := c.nextID.Add(1)
	frame.ID = id
	reply := make(chan radioFrame, 1)

	c.mu.Lock()
	c.pending[id] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.send(frame); err != nil {
		return radioFrame{}, err
	}

	timer := time.NewTimer(c.timeouts.call)
	defer timer.Stop()
	select {
	case resp := <-reply:
		return resp, nil
	case <-c.readDone:
		return radioFrame{}, ErrLinkClosed
	case <-c.abandoned:
		return radioFrame{}, ErrLinkClosed
	case <-timer.C:
		return radioFrame{}, fmt.Errorf("%s to %s: %w", frame.Op, c.address, context.DeadlineExceeded)
	case <-ctx.Done():
		return radioFrame{}, ctx.Err()
	}
}

func (c *linkConn) resolve(frame radioFrame) bool {
	c.mu.Lock()
	reply, ok := c.pending[frame.ID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case reply <- frame:
	default:
	}
	return true
}

func (c *linkConn) emit(ev session.LinkEvent) {
	c.qmu.Lock()
	c.queue = append(c.queue, ev)
	c.qmu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *linkConn) dequeue() (session.LinkEvent, bool) {
	c.qmu.Lock()
	defer c.qmu.Unlock()
	if len(c.queue) == 0 {
		return session.LinkEvent{}, false
	}
	ev := c.queue[0]
	c.queue = c.queue[1:]
	return ev, true
}

// pump forwards queued events in order and closes Events once the read loop ended.
func (c *linkConn) pump() {
	defer close(c.events)
	for {
		ev, ok := c.dequeue()
		if !ok {
			select {
			case <-c.wake:
				continue
			case <-c.readDone:
				// Emits only happen on the read loop, so the queue is final once it ended.
				if ev, ok = c.dequeue(); !ok {
					return
				}
			case <-c.abandoned:
				return
			}
		}
		select {
		case c.events <- ev:
		case <-c.abandoned:
			return
		}
	}
}

// readLoop dispatches frames to handle until the connection ends.
func (c *linkConn) readLoop(handle func(radioFrame)) {
	defer close(c.readDone)

	var cause error
	for {
		frame, err := readFrame(c.raw, c.timeouts.idle, c.timeouts.frame)
		if errors.Is(err, errIdle) {
			if c.isAbandoned() {
				return
			}
			continue
		}
		if err != nil {
			if c.isAbandoned() {
				return
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				cause = err
			}
			break
		}
		if frame.Op == opDisconnect {
			break
		}
		if isResponse(frame.Op) && c.resolve(frame) {
			continue
		}
		handle(frame)
	}

	_ = c.raw.Close()
	c.emit(session.LinkEvent{Kind: session.EventDisconnected, Err: cause})
}
