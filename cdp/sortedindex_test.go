// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cdp

import (
	"math/big"
	"testing"

	"github.com/luxfi/geth/common"
)

func idFor(n byte) common.Hash {
	var h common.Hash
	h[31] = n
	return h
}

func TestSortedIndex_InsertDescendingOrder(t *testing.T) {
	si := NewSortedIndex()
	asset := common.HexToAddress("0x01")

	scores := map[common.Hash]*big.Int{
		idFor(1): big.NewInt(300),
		idFor(2): big.NewInt(500),
		idFor(3): big.NewInt(100),
		idFor(4): big.NewInt(400),
	}
	oracle := func(id common.Hash) *big.Int { return scores[id] }

	for id, score := range scores {
		if err := si.Insert(asset, id, score, zeroHash, zeroHash, oracle); err != nil {
			t.Fatalf("Insert(%v): %v", id, err)
		}
	}

	if si.Size(asset) != 4 {
		t.Fatalf("size = %d, want 4", si.Size(asset))
	}

	var got []int64
	for cur := si.Head(asset); cur != zeroHash; cur = si.Next(asset, cur) {
		got = append(got, scores[cur].Int64())
	}
	want := []int64{500, 400, 300, 100}
	if len(got) != len(want) {
		t.Fatalf("traversal length = %d, want %d (%v)", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d = %d, want %d (full: %v)", i, got[i], want[i], got)
		}
	}
}

func TestSortedIndex_RemoveSplicesCorrectly(t *testing.T) {
	si := NewSortedIndex()
	asset := common.HexToAddress("0x01")
	scores := map[common.Hash]*big.Int{
		idFor(1): big.NewInt(300),
		idFor(2): big.NewInt(500),
		idFor(3): big.NewInt(100),
	}
	oracle := func(id common.Hash) *big.Int { return scores[id] }
	for id, score := range scores {
		_ = si.Insert(asset, id, score, zeroHash, zeroHash, oracle)
	}

	if err := si.Remove(asset, idFor(1)); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if si.Size(asset) != 2 {
		t.Fatalf("size after remove = %d, want 2", si.Size(asset))
	}
	if si.Head(asset) != idFor(2) {
		t.Errorf("head after removing middle element changed unexpectedly")
	}
	if si.Next(asset, si.Head(asset)) != idFor(3) {
		t.Errorf("list not correctly spliced after removal")
	}
}

func TestSortedIndex_ReInsertMovesElement(t *testing.T) {
	si := NewSortedIndex()
	asset := common.HexToAddress("0x01")
	scores := map[common.Hash]*big.Int{
		idFor(1): big.NewInt(300),
		idFor(2): big.NewInt(500),
		idFor(3): big.NewInt(100),
	}
	oracle := func(id common.Hash) *big.Int { return scores[id] }
	for id, score := range scores {
		_ = si.Insert(asset, id, score, zeroHash, zeroHash, oracle)
	}

	scores[idFor(3)] = big.NewInt(600) // now the largest
	if err := si.ReInsert(asset, idFor(3), scores[idFor(3)], zeroHash, zeroHash, oracle); err != nil {
		t.Fatalf("ReInsert: %v", err)
	}
	if si.Head(asset) != idFor(3) {
		t.Errorf("expected idFor(3) to become new head after reinsert at higher score")
	}
}

func TestSortedIndex_InfiniteARSAtHead(t *testing.T) {
	si := NewSortedIndex()
	asset := common.HexToAddress("0x01")
	scores := map[common.Hash]*big.Int{
		idFor(1): big.NewInt(300),
		idFor(2): nil, // infinite (zero-debt vault)
	}
	oracle := func(id common.Hash) *big.Int { return scores[id] }

	_ = si.Insert(asset, idFor(1), scores[idFor(1)], zeroHash, zeroHash, oracle)
	_ = si.Insert(asset, idFor(2), scores[idFor(2)], zeroHash, zeroHash, oracle)

	if si.Head(asset) != idFor(2) {
		t.Errorf("infinite-ARS vault should sort at head, got head=%v", si.Head(asset))
	}
}
