/*
Robin MTA Tester - Programmable SMTP/LMTP server and scripted test client.
Copyright © 2024-2026 Robin MTA Tester contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package limiters

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrOverloaded = errors.New("limiters: too many active buckets")

// BucketSet combines a group of Ls into a single key-indexed structure: each
// unique key gets its own limiter. The main use case is per-IP and
// per-domain rate limiting.
//
// The amount of buckets is bounded. When the internal map is at the bound,
// the next Take attempts to remove stale buckets from the set; if all
// buckets are in active use, Take fails.
//
// A BucketSet without a New function assigned is no-op: Take and TakeContext
// always succeed and Release does nothing.
type BucketSet struct {
	// New constructs the underlying L instances.
	//
	// It is safe to change only while the BucketSet is not used by any
	// goroutine.
	New func() L

	// Time after which a bucket is considered stale and can be removed from
	// the set. For safe use with the Rate limiter it should be at least
	// twice the Rate refill interval.
	ReapInterval time.Duration

	MaxBuckets int

	mLck sync.Mutex
	m    map[string]*bucket
}

type bucket struct {
	r       L
	lastUse time.Time
}

func NewBucketSet(newL func() L, reapInterval time.Duration, maxBuckets int) *BucketSet {
	return &BucketSet{
		New:          newL,
		ReapInterval: reapInterval,
		MaxBuckets:   maxBuckets,
		m:            map[string]*bucket{},
	}
}

func (r *BucketSet) Close() {
	r.mLck.Lock()
	defer r.mLck.Unlock()

	for _, v := range r.m {
		v.r.Close()
	}
}

func (r *BucketSet) take(key string) L {
	r.mLck.Lock()
	defer r.mLck.Unlock()

	if len(r.m) > r.MaxBuckets {
		now := time.Now()
		// Attempt to get rid of stale buckets. Any Take waiting on a dropped
		// bucket will fail, which is acceptable under this kind of load.
		for k, v := range r.m {
			if now.Sub(v.lastUse) > r.ReapInterval {
				v.r.Close()
				delete(r.m, k)
			}
		}

		// Still full, all buckets are in use.
		if len(r.m) > r.MaxBuckets {
			return nil
		}
	}

	b, ok := r.m[key]
	if !ok {
		b = &bucket{r: r.New()}
		r.m[key] = b
	}
	b.lastUse = time.Now()

	return b.r
}

func (r *BucketSet) Take(key string) bool {
	if r.New == nil {
		return true
	}

	bucket := r.take(key)
	if bucket == nil {
		return false
	}
	return bucket.Take()
}

func (r *BucketSet) Release(key string) {
	if r.New == nil {
		return
	}

	r.mLck.Lock()
	defer r.mLck.Unlock()

	bucket, ok := r.m[key]
	if !ok {
		return
	}
	bucket.r.Release()
}

func (r *BucketSet) TakeContext(ctx context.Context, key string) error {
	if r.New == nil {
		return nil
	}

	bucket := r.take(key)
	if bucket == nil {
		return ErrOverloaded
	}
	return bucket.TakeContext(ctx)
}
