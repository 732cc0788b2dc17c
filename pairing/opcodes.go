package pairing

import "github.com/courierstack/courierstack/hci"

// Link Control command opcodes used by the orchestrator to answer SSP
// and legacy-pairing events (Bluetooth Core Spec v5.3 Vol 2 Part E
// §7.1, OGF 0x01).
const ogfLinkControl uint8 = 0x01

var (
	opPINCodeRequestReply            = hci.MakeOpcode(ogfLinkControl, 0x000D)
	opPINCodeRequestNegativeReply    = hci.MakeOpcode(ogfLinkControl, 0x000E)
	opLinkKeyRequestReply            = hci.MakeOpcode(ogfLinkControl, 0x000B)
	opLinkKeyRequestNegativeReply    = hci.MakeOpcode(ogfLinkControl, 0x000C)
	opIOCapabilityRequestReply       = hci.MakeOpcode(ogfLinkControl, 0x002B)
	opUserConfirmationRequestReply   = hci.MakeOpcode(ogfLinkControl, 0x002C)
	opUserConfirmationRequestNegReply = hci.MakeOpcode(ogfLinkControl, 0x002D)
	opUserPasskeyRequestReply        = hci.MakeOpcode(ogfLinkControl, 0x002E)
	opUserPasskeyRequestNegReply     = hci.MakeOpcode(ogfLinkControl, 0x002F)
	opIOCapabilityRequestNegReply    = hci.MakeOpcode(ogfLinkControl, 0x0034)
	opAuthenticationRequested        = hci.MakeOpcode(ogfLinkControl, 0x0011)
)
