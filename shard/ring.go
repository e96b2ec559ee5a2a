// Package shard partitions concepts across independent engine
// instances.
//
// Each shard is a complete engine with its own log and snapshot.
// Routing hashes the concept id onto a consistent-hash ring, so a key's
// shard depends only on the shard count. Changing the count is an
// offline rebalance.
package shard

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/spaolacci/murmur3"

	"github.com/mnemo-db/mnemo/model"
)

// Ring is a consistent-hash ring over shard indexes. Tokens derive only
// from shard and virtual node indexes, never from runtime state, which
// keeps routing stable across restarts.
type Ring struct {
	tokens []uint64
	owners []int
	shards int
}

// NewRing builds a ring of shards physical shards with virtualPerShard
// virtual nodes each.
func NewRing(shards, virtualPerShard int) *Ring {
	type vnode struct {
		token uint64
		owner int
	}
	vnodes := make([]vnode, 0, shards*virtualPerShard)
	for s := 0; s < shards; s++ {
		for v := 0; v < virtualPerShard; v++ {
			token := murmur3.Sum64(fmt.Appendf(nil, "shard-%04d-vnode-%04d", s, v))
			vnodes = append(vnodes, vnode{token: token, owner: s})
		}
	}
	// Ties sort by owner so equal tokens still order deterministically.
	sort.Slice(vnodes, func(i, j int) bool {
		if vnodes[i].token != vnodes[j].token {
			return vnodes[i].token < vnodes[j].token
		}
		return vnodes[i].owner < vnodes[j].owner
	})

	r := &Ring{
		tokens: make([]uint64, len(vnodes)),
		owners: make([]int, len(vnodes)),
		shards: shards,
	}
	for i, vn := range vnodes {
		r.tokens[i] = vn.token
		r.owners[i] = vn.owner
	}
	return r
}

// Route maps a key to its owning shard: the first virtual node at or
// after the key's token, wrapping past the highest token.
func (r *Ring) Route(key []byte) int {
	token := murmur3.Sum64(key)
	i := sort.Search(len(r.tokens), func(i int) bool { return r.tokens[i] >= token })
	if i == len(r.tokens) {
		i = 0
	}
	return r.owners[i]
}

// RouteID routes a concept id.
func (r *Ring) RouteID(id model.ConceptID) int {
	var key [8]byte
	binary.LittleEndian.PutUint64(key[:], uint64(id))
	return r.Route(key[:])
}

// Shards returns the physical shard count.
func (r *Ring) Shards() int {
	return r.shards
}
