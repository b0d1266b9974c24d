// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cdp

import (
	"math/big"
	"sync"

	"github.com/luxfi/geth/common"
)

var zeroHash common.Hash

// sortedNode is one arena slot of a per-collateral doubly-linked list.
type sortedNode struct {
	exists bool
	prev   common.Hash
	next   common.Hash
}

type assetList struct {
	nodes map[common.Hash]*sortedNode
	head  common.Hash
	tail  common.Hash
	size  uint64
}

// SortedIndex maintains, per collateral asset, a doubly-linked list of
// active vault IDs ordered by descending Adjusted Risk Score (ARS). Only
// VaultOps may call its mutators; ars lookups are delegated to the caller
// via arsOf, mirroring VaultStore.calculateARS as the "ARS oracle".
type SortedIndex struct {
	mu     sync.Mutex
	assets map[common.Address]*assetList
}

// NewSortedIndex returns an empty SortedIndex.
func NewSortedIndex() *SortedIndex {
	return &SortedIndex{assets: make(map[common.Address]*assetList)}
}

func (si *SortedIndex) listFor(asset common.Address) *assetList {
	l, ok := si.assets[asset]
	if !ok {
		l = &assetList{nodes: make(map[common.Hash]*sortedNode)}
		si.assets[asset] = l
	}
	return l
}

// Size returns the number of active vaults tracked for asset.
func (si *SortedIndex) Size(asset common.Address) uint64 {
	si.mu.Lock()
	defer si.mu.Unlock()
	l, ok := si.assets[asset]
	if !ok {
		return 0
	}
	return l.size
}

// Tail returns the lowest-ARS active vault ID for asset, or zeroHash if empty.
func (si *SortedIndex) Tail(asset common.Address) common.Hash {
	si.mu.Lock()
	defer si.mu.Unlock()
	l, ok := si.assets[asset]
	if !ok {
		return zeroHash
	}
	return l.tail
}

// Head returns the highest-ARS active vault ID for asset, or zeroHash if empty.
func (si *SortedIndex) Head(asset common.Address) common.Hash {
	si.mu.Lock()
	defer si.mu.Unlock()
	l, ok := si.assets[asset]
	if !ok {
		return zeroHash
	}
	return l.head
}

// Prev returns the node preceding id (toward head) in asset's list.
func (si *SortedIndex) Prev(asset common.Address, id common.Hash) common.Hash {
	si.mu.Lock()
	defer si.mu.Unlock()
	l, ok := si.assets[asset]
	if !ok {
		return zeroHash
	}
	n, ok := l.nodes[id]
	if !ok {
		return zeroHash
	}
	return n.prev
}

// Next returns the node following id (toward tail) in asset's list.
func (si *SortedIndex) Next(asset common.Address, id common.Hash) common.Hash {
	si.mu.Lock()
	defer si.mu.Unlock()
	l, ok := si.assets[asset]
	if !ok {
		return zeroHash
	}
	n, ok := l.nodes[id]
	if !ok {
		return zeroHash
	}
	return n.next
}

// arsOracle resolves the ARS for an existing list entry using the supplied
// oracle func (normally VaultStore.calculateARS composed with a vault
// lookup); zeroHash resolves to nil (infinite ARS, sorts at head).
type arsOracle func(id common.Hash) *big.Int

func arsGE(a, b *big.Int) bool {
	if a == nil {
		return true
	}
	if b == nil {
		return false
	}
	return a.Cmp(b) >= 0
}

func arsLE(a, b *big.Int) bool {
	if b == nil {
		return true
	}
	if a == nil {
		return false
	}
	return a.Cmp(b) <= 0
}

// Insert adds id to asset's list at the ARS-sorted position. prevHint and
// nextHint (zeroHash meaning "no hint") are honored if they still describe
// a valid insert position under ars; otherwise a search runs starting from
// whichever hint remains plausible, falling back to a full descent from head.
func (si *SortedIndex) Insert(asset common.Address, id common.Hash, ars *big.Int, prevHint, nextHint common.Hash, arsOf arsOracle) error {
	si.mu.Lock()
	defer si.mu.Unlock()

	l := si.listFor(asset)
	if _, exists := l.nodes[id]; exists {
		return ErrInvalidParameter
	}
	// ars == nil is a legal "infinite" score (zero-debt vault); a literal zero
	// score or id == zeroHash never are.
	if id == zeroHash {
		return ErrInvalidParameter
	}
	if ars != nil && ars.Sign() == 0 {
		return ErrInvalidParameter
	}

	prev, next := si.resolveInsertPosition(l, ars, prevHint, nextHint, arsOf)
	si.spliceIn(l, id, prev, next)
	return nil
}

// resolveInsertPosition returns the (prev, next) pair id should be spliced
// between, honoring valid hints and otherwise searching.
func (si *SortedIndex) resolveInsertPosition(l *assetList, ars *big.Int, prevHint, nextHint common.Hash, arsOf arsOracle) (common.Hash, common.Hash) {
	if l.size == 0 {
		return zeroHash, zeroHash
	}

	if prevHint == zeroHash && nextHint == l.head {
		if arsGE(ars, arsOf(l.head)) {
			return zeroHash, l.head
		}
	}
	if nextHint == zeroHash && prevHint == l.tail {
		if arsLE(ars, arsOf(l.tail)) {
			return l.tail, zeroHash
		}
	}
	if prevHint != zeroHash && nextHint != zeroHash {
		if n, ok := l.nodes[prevHint]; ok && n.next == nextHint {
			if arsGE(ars, arsOf(nextHint)) && arsLE(ars, arsOf(prevHint)) {
				return prevHint, nextHint
			}
		}
	}

	// Hints invalid or absent: pick a search direction. A hint is only
	// searched from while it still lies on the correct side of ars.
	if prevHint != zeroHash {
		if _, ok := l.nodes[prevHint]; ok && arsLE(ars, arsOf(prevHint)) {
			return si.descendFrom(l, ars, prevHint, arsOf)
		}
	}
	if nextHint != zeroHash {
		if _, ok := l.nodes[nextHint]; ok && arsGE(ars, arsOf(nextHint)) {
			return si.ascendFrom(l, ars, nextHint, arsOf)
		}
	}
	return si.descendFrom(l, ars, l.head, arsOf)
}

// descendFrom walks toward the tail starting at cur until ars fits between
// cur and cur.next, or the end of the list is reached.
func (si *SortedIndex) descendFrom(l *assetList, ars *big.Int, cur common.Hash, arsOf arsOracle) (common.Hash, common.Hash) {
	if cur == zeroHash {
		return zeroHash, zeroHash
	}
	if arsGE(ars, arsOf(cur)) {
		n := l.nodes[cur]
		return n.prev, cur
	}
	for {
		n := l.nodes[cur]
		if n.next == zeroHash {
			return cur, zeroHash
		}
		if arsLE(ars, arsOf(cur)) && arsGE(ars, arsOf(n.next)) {
			return cur, n.next
		}
		cur = n.next
	}
}

// ascendFrom walks toward the head starting at cur until ars fits between
// cur.prev and cur, or the start of the list is reached.
func (si *SortedIndex) ascendFrom(l *assetList, ars *big.Int, cur common.Hash, arsOf arsOracle) (common.Hash, common.Hash) {
	if cur == zeroHash {
		return zeroHash, zeroHash
	}
	if arsLE(ars, arsOf(cur)) {
		n := l.nodes[cur]
		return cur, n.next
	}
	for {
		n := l.nodes[cur]
		if n.prev == zeroHash {
			return zeroHash, cur
		}
		if arsGE(ars, arsOf(cur)) && arsLE(ars, arsOf(n.prev)) {
			return n.prev, cur
		}
		cur = n.prev
	}
}

func (si *SortedIndex) spliceIn(l *assetList, id, prev, next common.Hash) {
	l.nodes[id] = &sortedNode{exists: true, prev: prev, next: next}

	if prev != zeroHash {
		l.nodes[prev].next = id
	} else {
		l.head = id
	}
	if next != zeroHash {
		l.nodes[next].prev = id
	} else {
		l.tail = id
	}
	l.size++
}

// Remove splices id out of asset's list.
func (si *SortedIndex) Remove(asset common.Address, id common.Hash) error {
	si.mu.Lock()
	defer si.mu.Unlock()

	l, ok := si.assets[asset]
	if !ok {
		return ErrInvalidParameter
	}
	n, ok := l.nodes[id]
	if !ok {
		return ErrInvalidParameter
	}

	if n.prev != zeroHash {
		l.nodes[n.prev].next = n.next
	} else {
		l.head = n.next
	}
	if n.next != zeroHash {
		l.nodes[n.next].prev = n.prev
	} else {
		l.tail = n.prev
	}
	delete(l.nodes, id)
	l.size--
	return nil
}

// ReInsert is remove-then-insert at a freshly computed ARS.
func (si *SortedIndex) ReInsert(asset common.Address, id common.Hash, newArs *big.Int, prevHint, nextHint common.Hash, arsOf arsOracle) error {
	if err := si.Remove(asset, id); err != nil {
		return err
	}
	return si.Insert(asset, id, newArs, prevHint, nextHint, arsOf)
}
