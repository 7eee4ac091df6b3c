// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package session

import (
	"hash/fnv"
	"slices"
	"sync"
)

const lockStripes = 256

// keyLocks serializes operations per device key with a fixed set of striped
// mutexes. Two keys may share a stripe; that only costs concurrency.
type keyLocks struct {
	stripes [lockStripes]sync.Mutex
}

// lock acquires the stripes of all non-empty keys in stripe order and returns
// the function that releases them.
func (l *keyLocks) lock(keys ...string) func() {
	idx := make([]uint32, 0, len(keys))
	for _, key := range keys {
		if key != "" {
			idx = append(idx, stripe(key))
		}
	}
	slices.Sort(idx)
	idx = slices.Compact(idx)
	for _, i := range idx {
		l.stripes[i].Lock()
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			l.stripes[idx[j]].Unlock()
		}
	}
}

func stripe(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32() % lockStripes
}
