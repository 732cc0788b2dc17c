// Package pairing implements the BR/EDR Secure Simple Pairing
// orchestrator of spec.md §4.6: it observes HCI pairing events
// directly off the dispatcher, drives the Reply/Negative-Reply command
// pairs that answer them, surfaces user-interaction points through
// callbacks, and consults a link-key store on Link-Key-Request.
//
// Grounded on the same event-driven-state-machine shape the teacher
// uses for connection lifecycle in `linux/internal/l2cap.L2CAP`
// (HandleLEMeta/HandleDisconnectionComplete reacting to raw HCI event
// bytes to advance per-handle state), generalized here to a
// per-address pairing session since SSP events are addressed by
// BD_ADDR rather than connection handle.
package pairing

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/courierstack/courierstack/hci"
)

// State is the pairing session state lattice of spec.md §4.6.
type State uint8

const (
	StateIdle State = iota
	StateAuthenticating
	StateIOCapExchange
	StateUserConfirm
	StatePasskeyEntry
	StateConfirmed
	StateWaitingLinkKey
	StateAuthenticated
	StatePaired
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateIOCapExchange:
		return "IO_CAP_EXCHANGE"
	case StateUserConfirm:
		return "USER_CONFIRM"
	case StatePasskeyEntry:
		return "PASSKEY_ENTRY"
	case StateConfirmed:
		return "CONFIRMED"
	case StateWaitingLinkKey:
		return "WAITING_LINK_KEY"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StatePaired:
		return "PAIRED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// IOCapability is the local IO capability advertised in
// IO-Capability-Request-Reply (Core Spec Vol 2 Part E §7.1.29).
type IOCapability uint8

const (
	IOCapDisplayOnly     IOCapability = 0x00
	IOCapDisplayYesNo    IOCapability = 0x01
	IOCapKeyboardOnly    IOCapability = 0x02
	IOCapNoInputNoOutput IOCapability = 0x03
)

// AuthRequirement is the authentication_requirements octet of
// IO-Capability-Request-Reply; CourierStack only ever sends
// GeneralBondingMITM or GeneralBondingNoMITM.
type AuthRequirement uint8

const (
	AuthGeneralBondingNoMITM AuthRequirement = 0x04
	AuthGeneralBondingMITM   AuthRequirement = 0x05
)

// OutcomeHandler is notified exactly once per session when pairing
// reaches PAIRED or FAILED, mirroring att.Connection's single-handler
// OnNotification idiom rather than a listener list.
type OutcomeHandler func(addr [6]byte, err error)

// Callbacks surfaces the user-interaction points of spec.md §4.6.
// Every field is optional; a nil field falls back to the documented
// default (auto-reject for entry prompts, the orchestrator's
// configured IOCapability for the capability exchange).
type Callbacks struct {
	// ConfirmNumericComparison is invoked with the 6-digit value from
	// a User-Confirmation-Request, unless AutoAcceptNumericComparison
	// is set (spec.md §8 scenario 6: auto-accept must bypass this
	// callback entirely). The application answers later by calling
	// Orchestrator.ConfirmNumericComparison.
	ConfirmNumericComparison func(addr [6]byte, value uint32)
	// EnterPasskey is invoked on a User-Passkey-Request; the
	// application answers later via Orchestrator.EnterPasskey.
	EnterPasskey func(addr [6]byte)
	// DisplayPasskey surfaces a locally-generated passkey the remote
	// side must type (User-Passkey-Notification); no reply expected.
	DisplayPasskey func(addr [6]byte, passkey uint32)
	// EnterPIN is invoked on a legacy PIN-Code-Request; the
	// application answers later via Orchestrator.EnterPIN.
	EnterPIN func(addr [6]byte)
}

// Config configures one Orchestrator instance.
type Config struct {
	IOCapability                IOCapability
	AuthRequirement             AuthRequirement
	AutoAcceptNumericComparison bool
	Callbacks                   Callbacks
	// ResolveHandle maps a connection handle (carried by Authentication-
	// Complete and Encryption-Change, which are the only two pairing
	// events addressed by handle rather than BD_ADDR) back to the
	// peer address. Supplied by the caller, typically backed by
	// l2cap.Core.Conn(handle).PeerAddr.
	ResolveHandle func(handle uint16) (addr [6]byte, ok bool)
	// ResolveAddrHandle is the inverse, needed by InitiatePairing to
	// send Authentication-Requested against an already-open ACL.
	ResolveAddrHandle func(addr [6]byte) (handle uint16, ok bool)
}

// session is one in-flight pairing attempt, keyed by peer address.
type session struct {
	correlationID xid.ID
	mu            sync.Mutex
	state         State
	pinMode       bool // true once a PIN-Code-Request is seen with no IO-Capability exchange
	sppSuccess    bool
	encrypted     bool
	pendingKey    [16]byte
	pendingKeyType KeyType
	haveKey       bool
	doneOnce      sync.Once
}

// Orchestrator drives pairing for every ACL the dispatcher reports
// events for. One Orchestrator is meant to be constructed per HCI
// controller, mirroring hci.Dispatcher/l2cap.Core's one-per-controller
// lifetime.
type Orchestrator struct {
	disp  *hci.Dispatcher
	store LinkKeyStore
	cfg   Config
	log   *logrus.Entry

	mu       sync.Mutex
	sessions map[[6]byte]*session

	outcomeMu sync.RWMutex
	onOutcome OutcomeHandler
}

// New constructs an Orchestrator and registers it as an hci.Listener.
func New(disp *hci.Dispatcher, store LinkKeyStore, cfg Config, log *logrus.Entry) *Orchestrator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.AuthRequirement == 0 {
		cfg.AuthRequirement = AuthGeneralBondingMITM
	}
	o := &Orchestrator{
		disp:     disp,
		store:    store,
		cfg:      cfg,
		log:      log.WithField("component", "pairing"),
		sessions: make(map[[6]byte]*session),
	}
	disp.AddListener(o.handleEvent)
	return o
}

// OnOutcome registers the handler invoked exactly once per session
// when it resolves to PAIRED (err == nil) or FAILED (err != nil).
func (o *Orchestrator) OnOutcome(h OutcomeHandler) {
	o.outcomeMu.Lock()
	defer o.outcomeMu.Unlock()
	o.onOutcome = h
}

func (o *Orchestrator) notifyOutcome(addr [6]byte, err error) {
	o.outcomeMu.RLock()
	h := o.onOutcome
	o.outcomeMu.RUnlock()
	if h != nil {
		h(addr, err)
	}
}

func (o *Orchestrator) sessionFor(addr [6]byte) *session {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.sessions[addr]
	if !ok {
		s = &session{correlationID: xid.New(), state: StateIdle}
		o.sessions[addr] = s
	}
	return s
}

func (o *Orchestrator) discard(addr [6]byte) {
	o.mu.Lock()
	delete(o.sessions, addr)
	o.mu.Unlock()
}

// State returns the current pairing state for addr, or StateIdle if no
// session is in progress.
func (o *Orchestrator) State(addr [6]byte) State {
	o.mu.Lock()
	s, ok := o.sessions[addr]
	o.mu.Unlock()
	if !ok {
		return StateIdle
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (o *Orchestrator) fail(addr [6]byte, s *session, err error) {
	s.mu.Lock()
	s.state = StateFailed
	s.mu.Unlock()
	s.doneOnce.Do(func() {
		o.log.WithField("addr", formatAddr(addr)).WithField("session", s.correlationID.String()).WithError(err).Warn("pairing failed")
		o.notifyOutcome(addr, err)
		o.discard(addr)
	})
}

func (o *Orchestrator) finalizeIfComplete(ctx context.Context, addr [6]byte, s *session) {
	s.mu.Lock()
	ready := s.sppSuccess && s.encrypted
	var rec BondingRecord
	haveKey := s.haveKey
	if ready {
		rec = BondingRecord{
			Addr:          addr,
			LinkKey:       s.pendingKey,
			KeyType:       s.pendingKeyType,
			Authenticated: s.pendingKeyType.isAuthenticated(),
		}
		s.state = StatePaired
	}
	s.mu.Unlock()
	if !ready {
		return
	}
	if haveKey {
		if err := o.store.StoreLinkKey(ctx, rec); err != nil {
			o.log.WithError(err).Warn("failed to persist link key after pairing")
		}
	}
	s.doneOnce.Do(func() {
		o.log.WithField("addr", formatAddr(addr)).WithField("session", s.correlationID.String()).Info("pairing complete")
		o.notifyOutcome(addr, nil)
		o.discard(addr)
	})
}

// finalizeLegacy completes pairing on Authentication-Complete alone,
// the legacy-PIN exception of spec.md §4.6 ("except legacy-PIN mode,
// where Authentication-Complete suffices").
func (o *Orchestrator) finalizeLegacy(ctx context.Context, addr [6]byte, s *session) {
	s.mu.Lock()
	s.state = StatePaired
	haveKey := s.haveKey
	rec := BondingRecord{
		Addr:          addr,
		LinkKey:       s.pendingKey,
		KeyType:       s.pendingKeyType,
		Authenticated: s.pendingKeyType.isAuthenticated(),
	}
	s.mu.Unlock()
	if haveKey {
		if err := o.store.StoreLinkKey(ctx, rec); err != nil {
			o.log.WithError(err).Warn("failed to persist link key after legacy pairing")
		}
	}
	s.doneOnce.Do(func() {
		o.notifyOutcome(addr, nil)
		o.discard(addr)
	})
}

func formatAddr(addr [6]byte) string {
	const hexDigits = "0123456789ABCDEF"
	b := make([]byte, 0, 17)
	for i, o := range addr {
		if i > 0 {
			b = append(b, ':')
		}
		b = append(b, hexDigits[o>>4], hexDigits[o&0x0F])
	}
	return string(b)
}

var (
	errRejected          = errors.New("pairing: rejected by local policy")
	errAuthFailed        = errors.New("pairing: non-zero status from controller")
	errNoHandleResolver  = errors.New("pairing: no ResolveAddrHandle configured")
	errNoSuchConnection  = errors.New("pairing: no open ACL for address")
)
