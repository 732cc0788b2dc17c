package pairing

import (
	"context"
	"sync"
)

// AddrType mirrors l2cap.AddrType without importing l2cap, since the
// pairing package only needs it to tag a bonding record, not to act on
// it (spec.md §3's ACL Connection carries the same distinction).
type AddrType uint8

const (
	AddrPublic AddrType = iota
	AddrRandom
)

// KeyType classifies a stored link key, per Link-Key-Notification's
// key-type octet (Core Spec Vol 2 Part E §7.7.24). Only the values the
// orchestrator itself branches on are named.
type KeyType uint8

const (
	KeyTypeCombination        KeyType = 0x00
	KeyTypeUnauthenticatedP192 KeyType = 0x04
	KeyTypeAuthenticatedP192  KeyType = 0x05
	KeyTypeChangedCombination KeyType = 0x06
	KeyTypeUnauthenticatedP256 KeyType = 0x07
	KeyTypeAuthenticatedP256  KeyType = 0x08
)

// BondingRecord is the persistent pairing outcome of spec.md §6:
// "(address, address_type, link_key:16B, key_type:u8, authenticated:bool)".
type BondingRecord struct {
	Addr          [6]byte
	AddrType      AddrType
	LinkKey       [16]byte
	KeyType       KeyType
	Authenticated bool
}

func (k KeyType) isAuthenticated() bool {
	return k == KeyTypeAuthenticatedP192 || k == KeyTypeAuthenticatedP256
}

// LinkKeyStore is the bonding table the orchestrator consults on
// Link-Key-Request and writes to once a pairing session completes
// (the key from Link-Key-Notification is held until then). spec.md §6
// leaves the backing serialization implementation-defined; CourierStack
// ships an in-memory default (MemoryStore) and an optional
// Redis-backed one (pairing/store.RedisStore).
type LinkKeyStore interface {
	LinkKey(ctx context.Context, addr [6]byte) (BondingRecord, bool, error)
	StoreLinkKey(ctx context.Context, rec BondingRecord) error
}

// MemoryStore is the default LinkKeyStore: a lock-protected map, per
// spec.md §5's "read-heavy map, writes are rare and lock-protected"
// shared-resource policy for the link-key store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[[6]byte]BondingRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[[6]byte]BondingRecord)}
}

func (s *MemoryStore) LinkKey(ctx context.Context, addr [6]byte) (BondingRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[addr]
	return rec, ok, nil
}

func (s *MemoryStore) StoreLinkKey(ctx context.Context, rec BondingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Addr] = rec
	return nil
}
