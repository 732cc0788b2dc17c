package l2cap

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// PB flag values carried in the ACL header's upper two bits of the
// handle/flags word (spec.md §4.3.1).
const (
	pbFirstNonFlush uint8 = 0
	pbContinuing    uint8 = 1
	pbFirstFlush    uint8 = 2
)

// aclHeader is [handle:12 | pb_flag:2 | bc_flag:2][total_len:16], both
// little-endian (spec.md §4.3.1, §6).
type aclHeader struct {
	handle  uint16
	pbFlag  uint8
	bcFlag  uint8
	totalLen uint16
}

func parseACLHeader(b []byte) (aclHeader, []byte, error) {
	if len(b) < 4 {
		return aclHeader{}, nil, errors.New("l2cap: ACL packet shorter than header")
	}
	hf := binary.LittleEndian.Uint16(b[0:2])
	totalLen := binary.LittleEndian.Uint16(b[2:4])
	h := aclHeader{
		handle:   hf & 0x0FFF,
		pbFlag:   uint8(hf>>12) & 0x3,
		bcFlag:   uint8(hf>>14) & 0x3,
		totalLen: totalLen,
	}
	payload := b[4:]
	if len(payload) != int(totalLen) {
		return aclHeader{}, nil, errors.New("l2cap: ACL total_len does not match payload")
	}
	return h, payload, nil
}

func marshalACLHeader(handle uint16, pbFlag uint8, payload []byte) []byte {
	hf := handle&0x0FFF | uint16(pbFlag&0x3)<<12
	out := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint16(out[0:2], hf)
	binary.LittleEndian.PutUint16(out[2:4], uint16(len(payload)))
	copy(out[4:], payload)
	return out
}

// reassemble feeds one ACL payload (the bytes after the 4-byte ACL
// header) through the handle's single reassembly slot, per spec.md
// §4.3.1 and the invariant in §3: "a handle's reassembly buffer is
// non-null iff a fragmented PDU is in progress; the next L2CAP packet
// on that handle must be a CONTINUING fragment or discipline is
// broken." It returns a complete L2CAP PDU ([len:16][cid:16][payload])
// when one is ready, or nil if more fragments are needed.
func (a *ACLConn) reassemble(pbFlag uint8, payload []byte) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch pbFlag {
	case pbFirstNonFlush, pbFirstFlush:
		if len(payload) < 4 {
			return nil, errors.New("l2cap: first fragment shorter than L2CAP header")
		}
		l2len := binary.LittleEndian.Uint16(payload[0:2])
		need := int(l2len) + 4
		if len(payload) >= need {
			a.reassembly = nil
			a.reassemblyExpected = 0
			return payload[:need], nil
		}
		a.reassembly = append([]byte(nil), payload...)
		a.reassemblyExpected = need
		return nil, nil

	case pbContinuing:
		if a.reassembly == nil {
			// No reassembly in progress: drop without state change.
			return nil, nil
		}
		a.reassembly = append(a.reassembly, payload...)
		if len(a.reassembly) >= a.reassemblyExpected {
			out := a.reassembly
			a.reassembly = nil
			a.reassemblyExpected = 0
			return out[:a.expectedLenLocked(out)], nil
		}
		return nil, nil

	default:
		return nil, errors.Errorf("l2cap: unexpected PB flag %d for inbound packet", pbFlag)
	}
}

// expectedLenLocked re-derives the framed length from the now-complete
// buffer's own L2CAP header, defending against a peer that over-sends.
func (a *ACLConn) expectedLenLocked(buf []byte) int {
	l2len := binary.LittleEndian.Uint16(buf[0:2])
	need := int(l2len) + 4
	if need > len(buf) {
		return len(buf)
	}
	return need
}

// reassemblyInProgress reports whether handle h currently has a partial
// PDU buffered — exposed for the property test in spec.md §8.
func (a *ACLConn) reassemblyInProgress() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reassembly != nil
}
