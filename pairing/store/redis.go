// Package store provides a Redis-backed implementation of
// pairing.LinkKeyStore, an alternative to pairing.MemoryStore for
// deployments that need the bonding table to survive a process
// restart (spec.md §6: "Serialization format is implementation-defined").
package store

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/courierstack/courierstack/pairing"
)

// RedisStore stores one hash per bonded device under keyPrefix+addr,
// fields "addr_type", "link_key", "key_type", "authenticated" — plain
// strings rather than a binary blob so the table is inspectable with
// redis-cli, matching the teacher's preference for plain-text wire
// formats over opaque binary ones elsewhere in the stack.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore wraps an already-configured *redis.Client. Callers own
// the client's lifecycle (Close, connection pool sizing, TLS, etc).
func NewRedisStore(client *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "courierstack:bonding:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisStore) key(addr [6]byte) string {
	return s.keyPrefix + hex.EncodeToString(addr[:])
}

func (s *RedisStore) LinkKey(ctx context.Context, addr [6]byte) (pairing.BondingRecord, bool, error) {
	vals, err := s.client.HGetAll(ctx, s.key(addr)).Result()
	if err != nil {
		return pairing.BondingRecord{}, false, errors.Wrap(err, "store: redis HGETALL")
	}
	if len(vals) == 0 {
		return pairing.BondingRecord{}, false, nil
	}

	keyBytes, err := hex.DecodeString(vals["link_key"])
	if err != nil || len(keyBytes) != 16 {
		return pairing.BondingRecord{}, false, errors.New("store: malformed link_key field")
	}
	var keyType, addrType uint8
	var authenticated bool
	if _, err := fmt.Sscanf(vals["key_type"], "%d", &keyType); err != nil {
		return pairing.BondingRecord{}, false, errors.Wrap(err, "store: malformed key_type field")
	}
	if _, err := fmt.Sscanf(vals["addr_type"], "%d", &addrType); err != nil {
		return pairing.BondingRecord{}, false, errors.Wrap(err, "store: malformed addr_type field")
	}
	authenticated = vals["authenticated"] == "1"

	rec := pairing.BondingRecord{
		Addr:          addr,
		AddrType:      pairing.AddrType(addrType),
		KeyType:       pairing.KeyType(keyType),
		Authenticated: authenticated,
	}
	copy(rec.LinkKey[:], keyBytes)
	return rec, true, nil
}

func (s *RedisStore) StoreLinkKey(ctx context.Context, rec pairing.BondingRecord) error {
	auth := "0"
	if rec.Authenticated {
		auth = "1"
	}
	err := s.client.HSet(ctx, s.key(rec.Addr), map[string]interface{}{
		"addr_type":     fmt.Sprintf("%d", rec.AddrType),
		"link_key":      hex.EncodeToString(rec.LinkKey[:]),
		"key_type":      fmt.Sprintf("%d", rec.KeyType),
		"authenticated": auth,
	}).Err()
	if err != nil {
		return errors.Wrap(err, "store: redis HSET")
	}
	return nil
}
