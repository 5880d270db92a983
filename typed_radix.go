// Copyright 2019 The Crate Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package crate

import "github.com/armon/go-radix"

// Typed implementation of a radix tree holding serialized storages,
// keyed by minted storage id. A simple wrapper that lets us avoid
// type asserting anywhere else. The sorted walk is what gives storage
// emission its deterministic key order.

type storageTrie struct {
	t *radix.Tree
}

func newStorageTrie() storageTrie {
	return storageTrie{
		t: radix.New(),
	}
}

// Get is used to lookup a specific key, returning the value and if it was found
func (t storageTrie) Get(s string) (Storage, bool) {
	if v, has := t.t.Get(s); has {
		return v.(Storage), has
	}
	return nil, false
}

// Insert is used to add a new entry or update an existing entry. Returns if updated.
func (t storageTrie) Insert(s string, v Storage) (Storage, bool) {
	if v2, had := t.t.Insert(s, v); had {
		return v2.(Storage), had
	}
	return nil, false
}

// Len is used to return the number of elements in the tree
func (t storageTrie) Len() int {
	return t.t.Len()
}

// Walk visits every entry in sorted key order; fn returning true stops
// the walk early.
func (t storageTrie) Walk(fn func(key string, s Storage) bool) {
	t.t.Walk(func(s string, v interface{}) bool {
		return fn(s, v.(Storage))
	})
}
