package att

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/courierstack/courierstack/pdu"
)

// ErrIndicateTimeout is returned when a peer does not confirm an
// indication before the deadline.
var ErrIndicateTimeout = errors.New("att: indication confirmation timed out")

// notify sends a Handle-Value-Notification for valueHandle, fire-and-
// forget per spec.md §4.4.
func (c *Connection) notify(valueHandle uint16, data []byte) {
	w := pdu.NewWriter(int(c.MTU()))
	w.WriteByteFit(OpHandleNotify)
	w.WriteUint16Fit(valueHandle)
	w.WriteFit(data)
	c.sendPDU(w.Bytes())
}

// indicate sends a Handle-Value-Indication and blocks until the peer's
// confirmation arrives or ctx/timeout expires. Only one indication may
// be outstanding on a connection at a time (Core Spec Vol 3 Part F
// §3.4.7.2), enforced here the same way as client requests.
func (c *Connection) indicate(ctx context.Context, valueHandle uint16, data []byte, timeout time.Duration) error {
	c.indicateMu.Lock()
	wait := make(chan struct{}, 1)
	c.indicateWait = wait
	c.indicateMu.Unlock()

	w := pdu.NewWriter(int(c.MTU()))
	w.WriteByteFit(OpHandleInd)
	w.WriteUint16Fit(valueHandle)
	w.WriteFit(data)
	c.sendPDU(w.Bytes())

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-wait:
		return nil
	case <-timer.C:
		return ErrIndicateTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

// Notify pushes data to every connection currently subscribed for
// notifications on valueHandle's CCCD.
func (s *Server) Notify(valueHandle, cccdHandle uint16, data []byte) {
	for _, c := range s.snapshotConns() {
		if c.Subscription(cccdHandle)&CCCNotify != 0 {
			c.notify(valueHandle, data)
		}
	}
}

// Indicate pushes data to every subscribed connection and waits for each
// one's confirmation in turn, logging (but not failing the whole call
// on) a per-connection timeout.
func (s *Server) Indicate(ctx context.Context, valueHandle, cccdHandle uint16, data []byte, timeout time.Duration) {
	for _, c := range s.snapshotConns() {
		if c.Subscription(cccdHandle)&CCCIndicate == 0 {
			continue
		}
		if err := c.indicate(ctx, valueHandle, data, timeout); err != nil {
			s.log.WithError(err).Warn("indication not confirmed")
		}
	}
}

func (s *Server) snapshotConns() []*Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	return out
}
