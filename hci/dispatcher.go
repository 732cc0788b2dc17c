package hci

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/courierstack/courierstack/transport"
)

// ErrClosed is returned by any Dispatcher operation issued after Close,
// and to every pending waiter when Close runs (spec.md §5 "Cancellation
// & timeouts": on shutdown all pending operations resolve with an
// "engine closed" error).
var ErrClosed = errors.New("hci: dispatcher closed")

// ErrTimeout is returned by SendCommandSync when no matching
// Command-Complete or Command-Status arrives before the deadline.
var ErrTimeout = errors.New("hci: command timed out")

// Listener receives every inbound HCI event (spec.md §4.2: "all other
// events fan out to registered listeners synchronously"). Implementations
// must not block or re-enter the dispatcher with a synchronous call.
type Listener func(code EventCode, params []byte)

// pending is one in-flight synchronous command, keyed by opcode.
// Bluetooth permits only one in-flight HCI command of a given opcode
// at a time in practice, matching the teacher's Cmd.sent list search
// by opcode in processCmdEvents.
type pending struct {
	done chan result
}

type result struct {
	complete *CommandComplete
	status   *CommandStatus
}

// Dispatcher is the HCI command/event dispatcher of spec.md §4.2. It
// owns no connection or channel state of its own; L2CAP, RFCOMM and
// the pairing orchestrator register as Listeners on top of it.
type Dispatcher struct {
	pipe transport.Pipe
	log  *logrus.Entry

	syncMu sync.Mutex // serializes only synchronous commands, per spec

	mu      sync.Mutex
	pending map[Opcode][]*pending
	closed  bool
	quit    chan struct{}

	listenersMu sync.RWMutex
	listeners   []Listener
}

// New returns a Dispatcher over pipe; it does not read from pipe until
// Run is called. Call Run in its own goroutine to begin delivering
// inbound frames.
func New(pipe transport.Pipe, log *logrus.Entry) *Dispatcher {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Dispatcher{
		pipe:    pipe,
		log:     log.WithField("component", "hci"),
		pending: make(map[Opcode][]*pending),
		quit:    make(chan struct{}),
	}
}

// AddListener registers l to receive every inbound event, including
// Command-Complete/Status (listeners see those too; the dispatcher's
// own correlation is independent of listener delivery).
func (d *Dispatcher) AddListener(l Listener) {
	d.listenersMu.Lock()
	defer d.listenersMu.Unlock()
	d.listeners = append(d.listeners, l)
}

// Run reads frames from the transport until it closes or ctx is done.
// It is the dispatcher's single reader goroutine; ACL/SCO/ISO frames
// are handed to onACL/onSCO/onISO (onACL is typically
// l2cap.Core.HandleACL) in arrival
// order per spec.md §5's ordering guarantee.
func (d *Dispatcher) Run(ctx context.Context, onACL, onSCO, onISO func(transport.Frame)) error {
	for {
		f, err := d.pipe.Receive(ctx)
		if err != nil {
			d.shutdown(err)
			return err
		}
		switch f.Kind {
		case transport.Event:
			d.handleEvent(f.Bytes)
		case transport.ACL:
			if onACL != nil {
				onACL(f)
			}
		case transport.SCO:
			if onSCO != nil {
				onSCO(f)
			}
		case transport.ISO:
			if onISO != nil {
				onISO(f)
			}
		}
	}
}

func (d *Dispatcher) handleEvent(b []byte) {
	code, params, err := unmarshalEventHeader(b)
	if err != nil {
		d.log.WithError(err).Warn("dropping malformed event")
		return
	}

	switch code {
	case EvtCommandComplete:
		cc, err := parseCommandComplete(params)
		if err != nil {
			d.log.WithError(err).Warn("dropping malformed command-complete")
			return
		}
		d.resolve(cc.Opcode, result{complete: &cc})
	case EvtCommandStatus:
		cs, err := parseCommandStatus(params)
		if err != nil {
			d.log.WithError(err).Warn("dropping malformed command-status")
			return
		}
		// spec.md §4.2: a non-zero Command-Status does NOT cancel a
		// later Command-Complete; both resolve the same waiter, whichever
		// arrives first wins and the other is consumed without effect
		// (see resolve — delivering into a closed/half-resolved slot is
		// guarded by the single-receive semantics of pending.done).
		d.resolve(cs.Opcode, result{status: &cs})
	}

	d.listenersMu.RLock()
	ls := append([]Listener(nil), d.listeners...)
	d.listenersMu.RUnlock()
	for _, l := range ls {
		l(code, params)
	}
}

func (d *Dispatcher) resolve(op Opcode, r result) {
	d.mu.Lock()
	waiters := d.pending[op]
	if len(waiters) == 0 {
		d.mu.Unlock()
		return
	}
	w := waiters[0]
	d.pending[op] = waiters[1:]
	d.mu.Unlock()

	select {
	case w.done <- r:
	default:
		// Already resolved by a prior status/complete race; drop.
	}
}

// SendCommand fires opcode/params without waiting for a reply.
func (d *Dispatcher) SendCommand(ctx context.Context, op Opcode, params []byte) error {
	if d.isClosed() {
		return ErrClosed
	}
	return d.pipe.Send(ctx, transport.Frame{Kind: transport.Command, Bytes: marshalCommand(op, params)})
}

// SendCommandSync sends opcode/params and blocks until a matching
// Command-Complete or Command-Status arrives or timeout elapses.
// Concurrent synchronous commands serialize via a fair mutex so only
// one is in-flight at a time (spec.md §4.2); asynchronous SendCommand
// calls do not serialize against this or each other.
func (d *Dispatcher) SendCommandSync(ctx context.Context, op Opcode, params []byte, timeout time.Duration) ([]byte, error) {
	if d.isClosed() {
		return nil, ErrClosed
	}

	d.syncMu.Lock()
	defer d.syncMu.Unlock()

	w := &pending{done: make(chan result, 1)}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	d.pending[op] = append(d.pending[op], w)
	d.mu.Unlock()

	if err := d.pipe.Send(ctx, transport.Frame{Kind: transport.Command, Bytes: marshalCommand(op, params)}); err != nil {
		d.removeWaiter(op, w)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-w.done:
		switch {
		case r.complete != nil:
			return r.complete.ReturnParameters, nil
		case r.status != nil:
			if r.status.Status == 0 {
				return nil, nil
			}
			return nil, errors.Errorf("hci: command-status 0x%02x for opcode %04x", r.status.Status, op)
		default:
			return nil, ErrClosed
		}
	case <-timer.C:
		d.removeWaiter(op, w)
		return nil, ErrTimeout
	case <-d.quit:
		return nil, ErrClosed
	case <-ctx.Done():
		d.removeWaiter(op, w)
		return nil, ctx.Err()
	}
}

// removeWaiter drops w from the pending queue without leaking a slot,
// used on timeout/cancel/send-failure (spec.md §4.2: "does not leak
// the waiter slot").
func (d *Dispatcher) removeWaiter(op Opcode, w *pending) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ws := d.pending[op]
	for i, cand := range ws {
		if cand == w {
			d.pending[op] = append(ws[:i], ws[i+1:]...)
			return
		}
	}
}

// SendACL is a fire-and-forget ACL data send.
func (d *Dispatcher) SendACL(ctx context.Context, b []byte) error {
	if d.isClosed() {
		return ErrClosed
	}
	return d.pipe.Send(ctx, transport.Frame{Kind: transport.ACL, Bytes: b})
}

// SendSCO is a fire-and-forget synchronous-data send.
func (d *Dispatcher) SendSCO(ctx context.Context, b []byte) error {
	if d.isClosed() {
		return ErrClosed
	}
	return d.pipe.Send(ctx, transport.Frame{Kind: transport.SCO, Bytes: b})
}

// SendISO is a fire-and-forget isochronous-data send.
func (d *Dispatcher) SendISO(ctx context.Context, b []byte) error {
	if d.isClosed() {
		return ErrClosed
	}
	return d.pipe.Send(ctx, transport.Frame{Kind: transport.ISO, Bytes: b})
}

func (d *Dispatcher) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Close shuts the dispatcher down, resolving every pending waiter with
// ErrClosed (spec.md §5 shutdown semantics) and closing the transport.
func (d *Dispatcher) Close() error {
	d.shutdown(ErrClosed)
	return d.pipe.Close()
}

func (d *Dispatcher) shutdown(cause error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	all := d.pending
	d.pending = nil
	d.mu.Unlock()

	close(d.quit)
	for _, ws := range all {
		for _, w := range ws {
			select {
			case w.done <- result{}:
			default:
			}
		}
	}
	_ = cause
}
