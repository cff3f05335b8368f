package matching

import (
	"errors"
	"fmt"

	"github.com/nmxmxh/tokenflow/kernel/threads/foundation"
)

// DefaultTableSize is the bucket count of the waiting table.
const DefaultTableSize = 2048

// ErrUnknownMatching is returned for a matching function outside ONE/BOTH/ANY.
// A correct program image never produces one.
var ErrUnknownMatching = errors.New("unknown matching function")

// key identifies one instruction invocation.
type key struct {
	tag     foundation.Tag
	address uint32
}

type entry struct {
	key   key
	token foundation.Token
	next  *entry
}

// Table pairs tokens bound for the same dyadic instruction invocation.
//
// Precondition: every (tag, address) key is visited by exactly two tokens
// before it is reused. Input slots are not part of the key and nothing is
// deduplicated: a third token for a key simply waits again as a new entry.
type Table struct {
	buckets []*entry
	waiting int
}

// NewTable creates a waiting table with a fixed number of buckets.
func NewTable(size int) (*Table, error) {
	if size <= 0 {
		return nil, fmt.Errorf("matching table size must be positive, got %d", size)
	}
	return &Table{buckets: make([]*entry, size)}, nil
}

// Submit offers a token to the table. It returns a ready pair when the token
// completes an invocation, and ok=false when the token was parked.
func (t *Table) Submit(token foundation.Token) (foundation.ReadyPair, bool, error) {
	switch mf := token.Destination.Matching(); mf {
	case foundation.MatchOne, foundation.MatchAny:
		return foundation.ReadyPair{Token1: token}, true, nil
	case foundation.MatchBoth:
		return t.pair(token)
	default:
		return foundation.ReadyPair{}, false, fmt.Errorf("%w %d for %s", ErrUnknownMatching, mf, token)
	}
}

// Waiting returns the number of parked tokens.
func (t *Table) Waiting() int {
	return t.waiting
}

func (t *Table) pair(token foundation.Token) (foundation.ReadyPair, bool, error) {
	k := key{tag: token.Tag, address: token.Destination.Address()}
	idx := t.index(k)

	var prev *entry
	for cur := t.buckets[idx]; cur != nil; cur = cur.next {
		if cur.key == k {
			if prev == nil {
				t.buckets[idx] = cur.next
			} else {
				prev.next = cur.next
			}
			t.waiting--
			return order(token, cur.token), true, nil
		}
		prev = cur
	}

	// Park at the head of the chain
	t.buckets[idx] = &entry{key: k, token: token, next: t.buckets[idx]}
	t.waiting++
	return foundation.ReadyPair{}, false, nil
}

func (t *Table) index(k key) int {
	return int((uint64(k.tag) + uint64(k.address)) % uint64(len(t.buckets)))
}

// order puts the first-input token in Token1 regardless of arrival order.
func order(a, b foundation.Token) foundation.ReadyPair {
	if a.Destination.Slot() == foundation.SlotFirst {
		return foundation.ReadyPair{Token1: a, Token2: b}
	}
	return foundation.ReadyPair{Token1: b, Token2: a}
}
