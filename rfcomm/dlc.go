package rfcomm

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrDLCClosed is returned by DLC operations after the channel has
// closed (DISC exchanged, or the owning Mux session tore down).
var ErrDLCClosed = errors.New("rfcomm: DLC closed")

// DLC is one open logical data channel (a "port") multiplexed over a
// Mux session, identified by its DLCI. Mirrors the credit/rxQueue
// shape of l2cap.Channel, generalized to RFCOMM's per-DLC credit
// window negotiated via PN instead of L2CAP's LE Credit-Based flow.
type DLC struct {
	mux  *Mux
	dlci uint8

	mu             sync.Mutex
	open           bool
	maxFrameSize   uint16
	peerCredits    uint8
	localCredits   uint8
	peerFlowOff    bool
	closedAt       chan struct{}
	closedOnce     sync.Once

	rxQueue chan []byte
}

func newDLC(mux *Mux, dlci uint8) *DLC {
	return &DLC{
		mux:          mux,
		dlci:         dlci,
		maxFrameSize: DefaultMaxFrameSize,
		localCredits: DefaultInitialCredits,
		closedAt:     make(chan struct{}),
		rxQueue:      make(chan []byte, 32),
	}
}

// DLCI returns the data-link connection identifier this channel was
// opened on.
func (d *DLC) DLCI() uint8 { return d.dlci }

func (d *DLC) setNegotiated(maxFrameSize uint16, initialCredits uint8) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maxFrameSize = maxFrameSize
	d.peerCredits = initialCredits
}

func (d *DLC) setOpen() {
	d.mu.Lock()
	d.open = true
	d.mu.Unlock()
}

func (d *DLC) setPeerFlowOff(off bool) {
	d.mu.Lock()
	d.peerFlowOff = off
	d.mu.Unlock()
}

// Write sends data as a UIH frame, consuming one peer-granted credit
// when credit-based flow control is in effect (initialCredits > 0 per
// TS 27.010 §5.5.3 / TS 07.10 Annex). Blocks until a credit is
// available, the context is cancelled, or the channel closes.
func (d *DLC) Write(ctx context.Context, data []byte) error {
	for {
		d.mu.Lock()
		if !d.open {
			d.mu.Unlock()
			return ErrDLCClosed
		}
		if d.peerFlowOff {
			d.mu.Unlock()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-d.closedAt:
				return ErrDLCClosed
			case <-time.After(50 * time.Millisecond):
				continue
			}
		}
		if d.peerCredits == 0 {
			d.mu.Unlock()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-d.closedAt:
				return ErrDLCClosed
			case <-time.After(20 * time.Millisecond):
				continue
			}
		}
		d.peerCredits--
		d.mu.Unlock()
		break
	}
	d.mux.send(Frame{DLCI: d.dlci, CR: true, Type: FrameUIH, Info: data})
	return nil
}

// Recv blocks for the next inbound payload, returning ok=false once the
// channel has closed and drained.
func (d *DLC) Recv() (data []byte, ok bool) {
	b, ok := <-d.rxQueue
	return b, ok
}

func (d *DLC) deliver(sdu []byte) {
	d.mu.Lock()
	d.localCredits--
	grant := d.localCredits < DefaultInitialCredits/2
	if grant {
		d.localCredits = DefaultInitialCredits
	}
	d.mu.Unlock()
	if grant {
		d.mux.sendMCC(mccFrame{typ: mccMSC, cr: true, payload: marshalMSC(d.dlci, msRTC|msRTR)})
	}
	select {
	case d.rxQueue <- sdu:
	default:
	}
}

func (d *DLC) closeQueue() {
	d.mu.Lock()
	d.open = false
	d.mu.Unlock()
	d.closedOnce.Do(func() {
		close(d.closedAt)
		close(d.rxQueue)
	})
}
