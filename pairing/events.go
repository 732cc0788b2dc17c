package pairing

import (
	"context"
	"encoding/binary"

	"github.com/courierstack/courierstack/hci"
)

// handleEvent is the hci.Listener entry point. It must not block per
// spec.md §5; every reply command is fired with context.Background()
// the same way l2cap's signaling layer replies to inbound requests
// from within the dispatcher's event-delivery path.
func (o *Orchestrator) handleEvent(code hci.EventCode, params []byte) {
	switch code {
	case hci.EvtIOCapabilityRequest:
		o.onIOCapabilityRequest(params)
	case hci.EvtUserConfirmationRequest:
		o.onUserConfirmationRequest(params)
	case hci.EvtUserPasskeyRequest:
		o.onUserPasskeyRequest(params)
	case hci.EvtUserPasskeyNotify:
		o.onUserPasskeyNotify(params)
	case hci.EvtLinkKeyRequest:
		o.onLinkKeyRequest(params)
	case hci.EvtLinkKeyNotification:
		o.onLinkKeyNotification(params)
	case hci.EvtSimplePairingComplete:
		o.onSimplePairingComplete(params)
	case hci.EvtPINCodeRequest:
		o.onPINCodeRequest(params)
	case hci.EvtAuthenticationComplete:
		o.onAuthenticationComplete(params)
	case hci.EvtEncryptionChange:
		o.onEncryptionChange(params)
	}
}

func addr6(b []byte) (addr [6]byte, ok bool) {
	if len(b) < 6 {
		return addr, false
	}
	copy(addr[:], b[:6])
	return addr, true
}

func (o *Orchestrator) onIOCapabilityRequest(params []byte) {
	addr, ok := addr6(params)
	if !ok {
		o.log.Warn("malformed IO-Capability-Request")
		return
	}
	s := o.sessionFor(addr)
	s.mu.Lock()
	s.state = StateIOCapExchange
	s.mu.Unlock()

	reply := append(addr[:], byte(o.cfg.IOCapability), 0x00, byte(o.cfg.AuthRequirement))
	if err := o.disp.SendCommand(context.Background(), opIOCapabilityRequestReply, reply); err != nil {
		o.log.WithError(err).Warn("failed to send IO-Capability-Request-Reply")
	}
}

func (o *Orchestrator) onUserConfirmationRequest(params []byte) {
	if len(params) < 10 {
		o.log.Warn("malformed User-Confirmation-Request")
		return
	}
	addr, _ := addr6(params)
	value := binary.LittleEndian.Uint32(params[6:10])

	s := o.sessionFor(addr)
	s.mu.Lock()
	s.state = StateUserConfirm
	s.mu.Unlock()

	if o.cfg.AutoAcceptNumericComparison {
		// spec.md §8 scenario 6: auto-accept bypasses the callback
		// entirely.
		o.replyUserConfirmation(addr, true)
		return
	}
	if cb := o.cfg.Callbacks.ConfirmNumericComparison; cb != nil {
		cb(addr, value)
		return
	}
	// No way to obtain a decision: reject rather than hang.
	o.replyUserConfirmation(addr, false)
}

// ConfirmNumericComparison answers a pending User-Confirmation-Request
// for addr (spec.md §6 `confirm_numeric_comparison(bool)`).
func (o *Orchestrator) ConfirmNumericComparison(addr [6]byte, accept bool) {
	o.replyUserConfirmation(addr, accept)
}

func (o *Orchestrator) replyUserConfirmation(addr [6]byte, accept bool) {
	op := opUserConfirmationRequestReply
	if !accept {
		op = opUserConfirmationRequestNegReply
	}
	if err := o.disp.SendCommand(context.Background(), op, addr[:]); err != nil {
		o.log.WithError(err).Warn("failed to send User-Confirmation-Request reply")
	}
	s := o.sessionFor(addr)
	s.mu.Lock()
	s.state = StateConfirmed
	s.mu.Unlock()
	if !accept {
		o.fail(addr, s, errRejected)
	}
}

func (o *Orchestrator) onUserPasskeyRequest(params []byte) {
	addr, ok := addr6(params)
	if !ok {
		o.log.Warn("malformed User-Passkey-Request")
		return
	}
	s := o.sessionFor(addr)
	s.mu.Lock()
	s.state = StatePasskeyEntry
	s.mu.Unlock()

	if cb := o.cfg.Callbacks.EnterPasskey; cb != nil {
		cb(addr)
		return
	}
	o.rejectPasskey(addr)
}

// EnterPasskey answers a pending User-Passkey-Request for addr
// (spec.md §6 `enter_passkey(u32)`).
func (o *Orchestrator) EnterPasskey(addr [6]byte, passkey uint32) {
	params := make([]byte, 10)
	copy(params, addr[:])
	binary.LittleEndian.PutUint32(params[6:], passkey)
	if err := o.disp.SendCommand(context.Background(), opUserPasskeyRequestReply, params); err != nil {
		o.log.WithError(err).Warn("failed to send User-Passkey-Request-Reply")
	}
}

// RejectPasskey declines a pending User-Passkey-Request for addr.
func (o *Orchestrator) RejectPasskey(addr [6]byte) { o.rejectPasskey(addr) }

func (o *Orchestrator) rejectPasskey(addr [6]byte) {
	if err := o.disp.SendCommand(context.Background(), opUserPasskeyRequestNegReply, addr[:]); err != nil {
		o.log.WithError(err).Warn("failed to send User-Passkey-Request-Negative-Reply")
	}
	s := o.sessionFor(addr)
	o.fail(addr, s, errRejected)
}

func (o *Orchestrator) onUserPasskeyNotify(params []byte) {
	if len(params) < 10 {
		o.log.Warn("malformed User-Passkey-Notification")
		return
	}
	addr, _ := addr6(params)
	passkey := binary.LittleEndian.Uint32(params[6:10])
	if cb := o.cfg.Callbacks.DisplayPasskey; cb != nil {
		cb(addr, passkey)
	}
}

func (o *Orchestrator) onLinkKeyRequest(params []byte) {
	addr, ok := addr6(params)
	if !ok {
		o.log.Warn("malformed Link-Key-Request")
		return
	}
	s := o.sessionFor(addr)
	s.mu.Lock()
	s.state = StateWaitingLinkKey
	s.mu.Unlock()

	rec, found, err := o.store.LinkKey(context.Background(), addr)
	if err != nil {
		o.log.WithError(err).Warn("link key store lookup failed")
		found = false
	}
	if !found {
		if err := o.disp.SendCommand(context.Background(), opLinkKeyRequestNegativeReply, addr[:]); err != nil {
			o.log.WithError(err).Warn("failed to send Link-Key-Request-Negative-Reply")
		}
		return
	}
	reply := append(append([]byte{}, addr[:]...), rec.LinkKey[:]...)
	if err := o.disp.SendCommand(context.Background(), opLinkKeyRequestReply, reply); err != nil {
		o.log.WithError(err).Warn("failed to send Link-Key-Request-Reply")
	}
}

func (o *Orchestrator) onLinkKeyNotification(params []byte) {
	if len(params) < 23 {
		o.log.Warn("malformed Link-Key-Notification")
		return
	}
	addr, _ := addr6(params)
	s := o.sessionFor(addr)
	s.mu.Lock()
	copy(s.pendingKey[:], params[6:22])
	s.pendingKeyType = KeyType(params[22])
	s.haveKey = true
	s.mu.Unlock()
}

func (o *Orchestrator) onSimplePairingComplete(params []byte) {
	if len(params) < 7 {
		o.log.Warn("malformed Simple-Pairing-Complete")
		return
	}
	status := params[0]
	addr, ok := addr6(params[1:])
	if !ok {
		return
	}
	s := o.sessionFor(addr)
	if status != 0 {
		o.fail(addr, s, errAuthFailed)
		return
	}
	s.mu.Lock()
	s.sppSuccess = true
	s.mu.Unlock()
	o.finalizeIfComplete(context.Background(), addr, s)
}

func (o *Orchestrator) onPINCodeRequest(params []byte) {
	addr, ok := addr6(params)
	if !ok {
		o.log.Warn("malformed PIN-Code-Request")
		return
	}
	s := o.sessionFor(addr)
	s.mu.Lock()
	s.state = StateAuthenticating
	s.pinMode = true
	s.mu.Unlock()

	if cb := o.cfg.Callbacks.EnterPIN; cb != nil {
		cb(addr)
		return
	}
	if err := o.disp.SendCommand(context.Background(), opPINCodeRequestNegativeReply, addr[:]); err != nil {
		o.log.WithError(err).Warn("failed to send PIN-Code-Request-Negative-Reply")
	}
}

// EnterPIN answers a pending legacy PIN-Code-Request for addr.
func (o *Orchestrator) EnterPIN(addr [6]byte, pin []byte) {
	if len(pin) > 16 {
		pin = pin[:16]
	}
	params := make([]byte, 0, 23)
	params = append(params, addr[:]...)
	params = append(params, byte(len(pin)))
	padded := make([]byte, 16)
	copy(padded, pin)
	params = append(params, padded...)
	if err := o.disp.SendCommand(context.Background(), opPINCodeRequestReply, params); err != nil {
		o.log.WithError(err).Warn("failed to send PIN-Code-Request-Reply")
	}
}

func (o *Orchestrator) onAuthenticationComplete(params []byte) {
	if len(params) < 3 || o.cfg.ResolveHandle == nil {
		return
	}
	status := params[0]
	handle := binary.LittleEndian.Uint16(params[1:3])
	addr, ok := o.cfg.ResolveHandle(handle)
	if !ok {
		return
	}
	s := o.sessionFor(addr)
	if status != 0 {
		o.fail(addr, s, errAuthFailed)
		return
	}
	s.mu.Lock()
	legacy := s.pinMode
	s.mu.Unlock()
	if legacy {
		o.finalizeLegacy(context.Background(), addr, s)
	}
}

func (o *Orchestrator) onEncryptionChange(params []byte) {
	if len(params) < 4 || o.cfg.ResolveHandle == nil {
		return
	}
	status := params[0]
	handle := binary.LittleEndian.Uint16(params[1:3])
	enabled := params[3] != 0
	addr, ok := o.cfg.ResolveHandle(handle)
	if !ok {
		return
	}
	s := o.sessionFor(addr)
	if status != 0 || !enabled {
		if status != 0 {
			o.fail(addr, s, errAuthFailed)
		}
		return
	}
	s.mu.Lock()
	s.encrypted = true
	s.mu.Unlock()
	o.finalizeIfComplete(context.Background(), addr, s)
}

// InitiatePairing requests BR/EDR authentication on an already-open
// ACL (spec.md §6 `initiate_pairing(bd_addr)`). It does not itself
// create the ACL; the caller is expected to already hold a connection
// to addr (e.g. via l2cap.Core.Connect to any PSM, or a raw
// Create-Connection).
func (o *Orchestrator) InitiatePairing(ctx context.Context, addr [6]byte) error {
	if o.cfg.ResolveAddrHandle == nil {
		return errNoHandleResolver
	}
	handle, ok := o.cfg.ResolveAddrHandle(addr)
	if !ok {
		return errNoSuchConnection
	}
	s := o.sessionFor(addr)
	s.mu.Lock()
	s.state = StateAuthenticating
	s.mu.Unlock()

	params := make([]byte, 2)
	binary.LittleEndian.PutUint16(params, handle)
	return o.disp.SendCommand(ctx, opAuthenticationRequested, params)
}

// StoreLinkKey seeds the bonding table directly, bypassing the normal
// pairing flow (spec.md §6 `store_link_key(addr, key)`).
func (o *Orchestrator) StoreLinkKey(ctx context.Context, rec BondingRecord) error {
	return o.store.StoreLinkKey(ctx, rec)
}

// GetBondingInfo looks up a previously stored bonding record (spec.md
// §6 `get_bonding_info(addr)`).
func (o *Orchestrator) GetBondingInfo(ctx context.Context, addr [6]byte) (BondingRecord, bool, error) {
	return o.store.LinkKey(ctx, addr)
}
