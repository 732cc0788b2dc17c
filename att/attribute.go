package att

import (
	"sync"

	"github.com/courierstack/courierstack/uuid"
)

// Characteristic property bits (Core Spec Vol 3 Part G §3.3.1.1).
const (
	CharBroadcast   uint8 = 0x01
	CharRead        uint8 = 0x02
	CharWriteNR     uint8 = 0x04 // write without response
	CharWrite       uint8 = 0x08
	CharNotify      uint8 = 0x10
	CharIndicate    uint8 = 0x20
	CharAuthSigned  uint8 = 0x40
	CharExtended    uint8 = 0x80
)

type attrKind uint8

const (
	kindService attrKind = iota
	kindIncludedService
	kindCharacteristic
	kindCharacteristicValue
	kindDescriptor
)

// ReadFunc serves a characteristic or descriptor value on demand,
// supporting long reads via the offset parameter. maxLen bounds the
// returned slice to what the current MTU allows in this response.
type ReadFunc func(offset, maxLen int) (data []byte, status uint8)

// WriteFunc accepts a characteristic or descriptor write. noResponse is
// true for Write-Command (no status ever goes back to the peer).
type WriteFunc func(data []byte, noResponse bool) (status uint8)

// attribute is one row of the server's attribute table (spec.md §4.4:
// "server attribute table with monotonic handle allocation").
type attribute struct {
	handle    uint16
	kind      attrKind
	uuid      uuid.UUID
	props     uint8
	secure    uint8 // property bits that require authenticated/encrypted link
	valueHandle uint16 // for a declaration row, the handle of its value row
	endGroup  uint16   // for a service row, the last handle in its group

	value []byte // static value, when non-nil, read directly (e.g. declarations)

	read  ReadFunc
	write WriteFunc

	owner interface{} // the Characteristic/Descriptor this row belongs to, for CCCD lookups
}

// Table is the attribute database shared by every connection attached to
// one GATT server (spec.md §4.4). Handles are allocated monotonically:
// 2 per characteristic (declaration + value), 1 per descriptor.
type Table struct {
	mu       sync.RWMutex
	attrs    []*attribute // sorted by handle ascending
	next     uint16
}

// NewTable returns an empty table. Bluetooth handles start at 1; 0 is
// reserved as invalid.
func NewTable() *Table {
	return &Table{next: 1}
}

func (t *Table) allocHandle() uint16 {
	h := t.next
	t.next++
	return h
}

// AddService appends a Primary/Secondary Service declaration and returns
// its handle; EndService must be called once every characteristic under
// it has been added, to close the group.
func (t *Table) AddService(u uuid.UUID, secondary bool) uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	kind := kindService
	if secondary {
		kind = kindIncludedService
	}
	h := t.allocHandle()
	t.attrs = append(t.attrs, &attribute{handle: h, kind: kind, uuid: u})
	return h
}

// EndService records serviceHandle's group end as the table's current
// high-water mark.
func (t *Table) EndService(serviceHandle uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, a := range t.attrs {
		if a.handle == serviceHandle {
			a.endGroup = t.next - 1
			return
		}
	}
}

// AddCharacteristic allocates the declaration+value handle pair (spec.md
// §4.4: "2 handles per characteristic") and returns the value handle,
// which callers use to address reads/writes/notifications.
func (t *Table) AddCharacteristic(u uuid.UUID, props uint8, secure uint8, read ReadFunc, write WriteFunc) uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()

	declHandle := t.allocHandle()
	valueHandle := t.allocHandle()

	t.attrs = append(t.attrs,
		&attribute{handle: declHandle, kind: kindCharacteristic, uuid: u, props: props, valueHandle: valueHandle},
		&attribute{handle: valueHandle, kind: kindCharacteristicValue, uuid: u, props: props, secure: secure, read: read, write: write},
	)
	return valueHandle
}

// AddDescriptor allocates one handle (spec.md §4.4: "1 per descriptor").
func (t *Table) AddDescriptor(u uuid.UUID, secure uint8, read ReadFunc, write WriteFunc) uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.allocHandle()
	t.attrs = append(t.attrs, &attribute{handle: h, kind: kindDescriptor, uuid: u, secure: secure, read: read, write: write})
	return h
}

func (t *Table) at(handle uint16) (*attribute, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, a := range t.attrs {
		if a.handle == handle {
			return a, true
		}
	}
	return nil, false
}

// subrange returns every attribute with start <= handle <= end, in
// ascending handle order.
func (t *Table) subrange(start, end uint16) []*attribute {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*attribute, 0)
	for _, a := range t.attrs {
		if a.handle < start {
			continue
		}
		if a.handle > end {
			break
		}
		out = append(out, a)
	}
	return out
}
