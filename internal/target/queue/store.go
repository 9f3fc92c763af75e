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

package queue

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/robin-mta/robin/framework/buffer"
)

// Item is a single persisted queue entry. Meta is the JSON-encoded
// QueueMetadata, Header is the serialized RFC 5322 header block and Body is
// the stored message body.
type Item struct {
	ID     string
	Meta   []byte
	Header []byte
	Body   buffer.Buffer

	CreatedAt   time.Time
	NextAttempt time.Time
}

// Store is the persistence back-end of the queue.
//
// Items returned by DequeueReady are leased: they will not be returned
// again until either Ack or Reschedule is called for them. Leases do not
// survive a restart, giving at-least-once delivery semantics.
//
// Implementations serialize access internally.
type Store interface {
	Enqueue(item *Item) error
	DequeueReady(limit int) ([]*Item, error)
	Ack(id string) error
	Reschedule(id string, when time.Time, meta []byte) error

	// Len returns the number of stored items, leased ones included.
	Len() int

	Close() error
}

type storeConfig struct {
	kind string // fs, mysql, postgres, memory
	arg  string // directory path or DSN
}

func (q *Queue) openStore(cfg storeConfig) (Store, error) {
	switch cfg.kind {
	case "fs":
		return openFSStore(cfg.arg, q.initialDelay, q.Log)
	case "mysql", "postgres":
		return openSQLStore(cfg.kind, cfg.arg, q.initialDelay)
	case "memory":
		return newMemStore(), nil
	}
	return nil, fmt.Errorf("queue: unknown storage back-end: %v", cfg.kind)
}

type memItem struct {
	meta, header, body []byte

	createdAt   time.Time
	nextAttempt time.Time
}

// memStore keeps the queue in process memory. Nothing survives a restart,
// it exists as the fallback for set-ups where losing queued mail on
// shutdown is acceptable.
type memStore struct {
	mu     sync.Mutex
	items  map[string]*memItem
	leased map[string]struct{}
}

func newMemStore() *memStore {
	return &memStore{
		items:  map[string]*memItem{},
		leased: map[string]struct{}{},
	}
}

func (s *memStore) Enqueue(item *Item) error {
	body, err := readBodyBlob(item.Body)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[item.ID] = &memItem{
		meta:        item.Meta,
		header:      item.Header,
		body:        body,
		createdAt:   item.CreatedAt,
		nextAttempt: item.NextAttempt,
	}
	return nil
}

func (s *memStore) DequeueReady(limit int) ([]*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := readyIDs(limit, s.leased, func(visit func(id string, next time.Time)) {
		for id, it := range s.items {
			visit(id, it.nextAttempt)
		}
	})

	res := make([]*Item, 0, len(ids))
	for _, id := range ids {
		it := s.items[id]
		s.leased[id] = struct{}{}
		res = append(res, &Item{
			ID:          id,
			Meta:        it.meta,
			Header:      it.header,
			Body:        buffer.MemoryBuffer{Slice: it.body},
			CreatedAt:   it.createdAt,
			NextAttempt: it.nextAttempt,
		})
	}
	return res, nil
}

func (s *memStore) Ack(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, id)
	delete(s.leased, id)
	return nil
}

func (s *memStore) Reschedule(id string, when time.Time, meta []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return fmt.Errorf("queue: no such item: %v", id)
	}
	it.meta = meta
	it.nextAttempt = when
	delete(s.leased, id)
	return nil
}

func (s *memStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func (s *memStore) Close() error {
	return nil
}

// readyIDs picks up to limit non-leased ids whose next attempt time has
// passed, earliest first. The iterate callback abstracts over the
// per-back-end schedule index.
func readyIDs(limit int, leased map[string]struct{}, iterate func(visit func(id string, next time.Time))) []string {
	now := time.Now()

	type cand struct {
		id   string
		next time.Time
	}
	var ready []cand
	iterate(func(id string, next time.Time) {
		if _, ok := leased[id]; ok {
			return
		}
		if next.After(now) {
			return
		}
		ready = append(ready, cand{id, next})
	})

	sort.Slice(ready, func(i, j int) bool {
		return ready[i].next.Before(ready[j].next)
	})
	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}

	ids := make([]string, 0, len(ready))
	for _, c := range ready {
		ids = append(ids, c.id)
	}
	return ids
}

func readBodyBlob(body buffer.Buffer) ([]byte, error) {
	r, err := body.Open()
	if err != nil {
		return nil, err
	}
	defer r.Close()

	return io.ReadAll(r)
}
