// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"hash/fnv"
	"sync"
)

const numKeyShards = 64

// keyLock serializes CONNECT handling per client ID using sharded mutexes.
// Different client IDs may share a shard, which only costs some waiting.
type keyLock struct {
	shards [numKeyShards]sync.Mutex
}

func (kl *keyLock) Lock(clientID string) {
	kl.shards[kl.index(clientID)].Lock()
}

func (kl *keyLock) Unlock(clientID string) {
	kl.shards[kl.index(clientID)].Unlock()
}

func (kl *keyLock) index(clientID string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(clientID))
	return h.Sum32() % numKeyShards
}
