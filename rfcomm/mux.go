package rfcomm

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/courierstack/courierstack/l2cap"
)

// ErrClosed is returned once the underlying L2CAP channel has closed.
var ErrClosed = errors.New("rfcomm: multiplexer session closed")

// ErrTimeout is returned when a session/DLC establishment step does not
// complete before its deadline.
var ErrTimeout = errors.New("rfcomm: operation timed out")

// DefaultInitialCredits is the default per-DLC credit window granted
// during Parameter Negotiation.
const DefaultInitialCredits = 7

// DefaultMaxFrameSize is proposed during PN when the caller does not
// need a specific size.
const DefaultMaxFrameSize = 127

// Mux is one RFCOMM multiplexer session (TS 27.010 §5): a single
// SABM/UA handshake on DLCI 0 followed by independent PN+SABM
// handshakes opening each logical DLC. It runs atop one L2CAP dynamic
// channel (PSM 0x0003).
type Mux struct {
	ch   *l2cap.Channel
	core *l2cap.Core
	log  *logrus.Entry

	mu       sync.Mutex
	sessionUp bool
	dlcs     map[uint8]*DLC

	waitMu sync.Mutex
	waiters map[waitKey]chan Frame

	// OnDLCOpened/OnDLCClosed are optional observers for the metrics
	// package's RFCOMM-session-count gauge.
	OnDLCOpened func(dlci uint8)
	OnDLCClosed func(dlci uint8)
}

type waitKey struct {
	dlci uint8
	typ  uint8
}

// NewMux wraps an already-OPEN L2CAP channel (obtained via
// l2cap.Core.Connect or a PSMRFCOMM server handler) as an RFCOMM
// session and starts its receive loop.
func NewMux(core *l2cap.Core, ch *l2cap.Channel, log *logrus.Entry) *Mux {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	m := &Mux{
		ch:      ch,
		core:    core,
		log:     log.WithField("component", "rfcomm"),
		dlcs:    make(map[uint8]*DLC),
		waiters: make(map[waitKey]chan Frame),
	}
	go m.run()
	return m
}

func (m *Mux) run() {
	for {
		sdu, ok := m.ch.Recv()
		if !ok {
			m.abortAll()
			return
		}
		m.handleFrame(sdu)
	}
}

func (m *Mux) handleFrame(b []byte) {
	f, err := Parse(b)
	if err != nil {
		m.log.WithError(err).Warn("dropping malformed RFCOMM frame")
		return
	}

	switch f.Type {
	case FrameUA, FrameDM:
		m.resolve(waitKey{f.DLCI, f.Type}, f)
	case FrameSABM:
		m.handleSABM(f)
	case FrameDISC:
		m.handleDISC(f)
	case FrameUIH:
		if f.DLCI == MuxDLCI {
			m.handleMuxControl(f)
			return
		}
		m.handleData(f)
	}
}

// Open performs the session-establishing SABM/UA handshake on DLCI 0
// (TS 27.010 §5.7.1: "SABM/UA on DLCI 0 before any other DLCI").
func (m *Mux) Open(ctx context.Context, initiator bool) error {
	m.mu.Lock()
	if m.sessionUp {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if initiator {
		wait := m.register(waitKey{MuxDLCI, FrameUA})
		m.send(Frame{DLCI: MuxDLCI, CR: true, Type: FrameSABM, PF: true})
		if _, err := m.await(ctx, wait, 10*time.Second); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.sessionUp = true
	m.mu.Unlock()
	return nil
}

func (m *Mux) handleSABM(f Frame) {
	if f.DLCI == MuxDLCI {
		m.send(Frame{DLCI: MuxDLCI, CR: false, Type: FrameUA, PF: true})
		m.mu.Lock()
		m.sessionUp = true
		m.mu.Unlock()
		return
	}
	// Peer is opening a DLC we did not initiate; accept unconditionally
	// at the framing layer (the application PSM/DLCI registration policy
	// is out of scope here).
	m.send(Frame{DLCI: f.DLCI, CR: false, Type: FrameUA, PF: true})
	dlc := m.getOrCreateDLC(f.DLCI)
	dlc.setOpen()
}

func (m *Mux) handleDISC(f Frame) {
	m.send(Frame{DLCI: f.DLCI, CR: false, Type: FrameUA, PF: f.PF})
	if f.DLCI == MuxDLCI {
		m.abortAll()
		return
	}
	m.mu.Lock()
	dlc, ok := m.dlcs[f.DLCI]
	delete(m.dlcs, f.DLCI)
	m.mu.Unlock()
	if ok {
		dlc.closeQueue()
	}
}

func (m *Mux) handleMuxControl(f Frame) {
	mcc, _, err := parseMCC(f.Info)
	if err != nil {
		m.log.WithError(err).Warn("dropping malformed MCC command")
		return
	}
	switch mcc.typ {
	case mccPN:
		if mcc.cr {
			m.respondPN(mcc.payload)
			return
		}
		m.resolve(waitKey{MuxDLCI, FrameUIH}, Frame{Info: marshalMCC(mcc)})
	case mccMSC:
		if mcc.cr {
			dlci, signals, err := parseMSC(mcc.payload)
			if err == nil {
				m.applyModemStatus(dlci, signals)
			}
			m.sendMCC(mccFrame{typ: mccMSC, cr: false, payload: mcc.payload})
			return
		}
	}
}

func (m *Mux) respondPN(payload []byte) {
	p, err := parsePN(payload)
	if err != nil {
		return
	}
	dlc := m.getOrCreateDLC(p.dlci)
	dlc.setNegotiated(p.maxFrameSize, p.initialCredits)
	m.sendMCC(mccFrame{typ: mccPN, cr: false, payload: marshalPN(p)})
}

func (m *Mux) applyModemStatus(dlci uint8, signals uint8) {
	m.mu.Lock()
	dlc, ok := m.dlcs[dlci]
	m.mu.Unlock()
	if ok {
		dlc.setPeerFlowOff(signals&msFC != 0)
	}
}

// OpenDLC negotiates parameters then establishes DLCI (TS 27.010
// §5.7.2: "PN then SABM per-DLCI open"), returning the ready channel.
func (m *Mux) OpenDLC(ctx context.Context, dlci uint8) (*DLC, error) {
	pnWait := m.register(waitKey{MuxDLCI, FrameUIH})
	req := pnParams{dlci: dlci, maxFrameSize: DefaultMaxFrameSize, initialCredits: DefaultInitialCredits, ackTimerMs: 10, maxRetrans: 0}
	m.sendMCC(mccFrame{typ: mccPN, cr: true, payload: marshalPN(req)})

	resp, err := m.await(ctx, pnWait, 10*time.Second)
	if err != nil {
		return nil, err
	}
	mcc, _, err := parseMCC(resp.Info)
	if err != nil {
		return nil, err
	}
	negotiated, err := parsePN(mcc.payload)
	if err != nil {
		return nil, err
	}

	dlc := m.getOrCreateDLC(dlci)
	dlc.setNegotiated(negotiated.maxFrameSize, negotiated.initialCredits)

	uaWait := m.register(waitKey{dlci, FrameUA})
	m.send(Frame{DLCI: dlci, CR: true, Type: FrameSABM, PF: true})
	if _, err := m.await(ctx, uaWait, 10*time.Second); err != nil {
		return nil, err
	}
	dlc.setOpen()

	m.sendMCC(mccFrame{typ: mccMSC, cr: true, payload: marshalMSC(dlci, msRTC|msRTR|msDV)})
	return dlc, nil
}

// CloseDLC sends DISC for dlci and waits for UA.
func (m *Mux) CloseDLC(ctx context.Context, dlci uint8) error {
	wait := m.register(waitKey{dlci, FrameUA})
	m.send(Frame{DLCI: dlci, CR: true, Type: FrameDISC, PF: true})
	_, err := m.await(ctx, wait, 5*time.Second)

	m.mu.Lock()
	dlc, ok := m.dlcs[dlci]
	delete(m.dlcs, dlci)
	m.mu.Unlock()
	if ok {
		dlc.closeQueue()
		if m.OnDLCClosed != nil {
			m.OnDLCClosed(dlci)
		}
	}
	return err
}

func (m *Mux) getOrCreateDLC(dlci uint8) *DLC {
	m.mu.Lock()
	dlc, ok := m.dlcs[dlci]
	if !ok {
		dlc = newDLC(m, dlci)
		m.dlcs[dlci] = dlc
	}
	m.mu.Unlock()
	if !ok && m.OnDLCOpened != nil {
		m.OnDLCOpened(dlci)
	}
	return dlc
}

func (m *Mux) handleData(f Frame) {
	m.mu.Lock()
	dlc, ok := m.dlcs[f.DLCI]
	m.mu.Unlock()
	if !ok {
		return
	}
	dlc.deliver(f.Info)
}

func (m *Mux) send(f Frame) {
	m.core.Write(m.ch, Marshal(f))
}

func (m *Mux) sendMCC(mcc mccFrame) {
	m.send(Frame{DLCI: MuxDLCI, CR: true, Type: FrameUIH, Info: marshalMCC(mcc)})
}

func (m *Mux) register(k waitKey) chan Frame {
	wait := make(chan Frame, 1)
	m.waitMu.Lock()
	m.waiters[k] = wait
	m.waitMu.Unlock()
	return wait
}

func (m *Mux) resolve(k waitKey, f Frame) {
	m.waitMu.Lock()
	wait, ok := m.waiters[k]
	if ok {
		delete(m.waiters, k)
	}
	m.waitMu.Unlock()
	if !ok {
		return
	}
	select {
	case wait <- f:
	default:
	}
}

func (m *Mux) await(ctx context.Context, wait chan Frame, timeout time.Duration) (Frame, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case f := <-wait:
		return f, nil
	case <-timer.C:
		return Frame{}, ErrTimeout
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (m *Mux) abortAll() {
	m.waitMu.Lock()
	for k := range m.waiters {
		delete(m.waiters, k)
	}
	m.waitMu.Unlock()

	m.mu.Lock()
	dlcs := m.dlcs
	m.dlcs = make(map[uint8]*DLC)
	m.sessionUp = false
	m.mu.Unlock()
	for _, dlc := range dlcs {
		dlc.closeQueue()
	}
}
