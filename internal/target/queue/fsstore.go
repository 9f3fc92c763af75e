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
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/robin-mta/robin/framework/buffer"
	"github.com/robin-mta/robin/framework/log"
)

// fsStore is the primary queue back-end. Each item is kept as three files
// in the store directory:
//
//	ID.meta   - JSON envelope with scheduling info and QueueMetadata
//	ID.header - serialized message header
//	ID.body   - message body
//
// The scheduling index is kept in memory and rebuilt from the .meta files
// on start-up.
type fsStore struct {
	location string
	log      log.Logger

	mu     sync.Mutex
	sched  map[string]time.Time
	leased map[string]struct{}
}

// fsEnvelope is the content of the .meta file.
type fsEnvelope struct {
	CreatedAt   time.Time
	NextAttempt time.Time
	Meta        json.RawMessage
}

func openFSStore(location string, initialDelay time.Duration, l log.Logger) (*fsStore, error) {
	if err := os.MkdirAll(location, os.ModePerm); err != nil {
		return nil, err
	}

	s := &fsStore{
		location: location,
		log:      l,
		sched:    map[string]time.Time{},
		leased:   map[string]struct{}{},
	}

	dirInfo, err := os.ReadDir(location)
	if err != nil {
		return nil, err
	}

	loadedCount := 0
	for _, entry := range dirInfo {
		// Loading starts from the meta-data files, then ID.header and
		// ID.body existence is checked. This way dangling body files are
		// detected properly.
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".meta") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".meta")

		env, err := s.readEnvelope(id)
		if err != nil {
			s.log.Printf("failed to read meta-data, skipping: %v (msg ID = %s)", err, id)
			continue
		}

		if _, err := os.Stat(filepath.Join(location, id+".header")); err != nil {
			if os.IsNotExist(err) {
				s.log.Printf("header file doesn't exist for msg ID = %s", id)
				s.tryRemoveDangling(id + ".meta")
				s.tryRemoveDangling(id + ".body")
			} else {
				s.log.Printf("skipping nonstat'able header file: %v (msg ID = %s)", err, id)
			}
			continue
		}
		if _, err := os.Stat(filepath.Join(location, id+".body")); err != nil {
			if os.IsNotExist(err) {
				s.log.Printf("body file doesn't exist for msg ID = %s", id)
				s.tryRemoveDangling(id + ".meta")
				s.tryRemoveDangling(id + ".header")
			} else {
				s.log.Printf("skipping nonstat'able body file: %v (msg ID = %s)", err, id)
			}
			continue
		}

		next := env.NextAttempt
		// If the item became due while we were down, delay it a bit so a
		// process that is killed shortly after start-up does not thrash
		// the queue.
		if time.Until(next) < initialDelay {
			next = time.Now().Add(initialDelay)
		}

		s.sched[id] = next
		loadedCount++
	}

	if loadedCount != 0 {
		s.log.Printf("loaded %d saved queue entries", loadedCount)
	}

	return s, nil
}

func (s *fsStore) Enqueue(item *Item) error {
	id := item.ID

	headerPath := filepath.Join(s.location, id+".header")
	headerFile, err := os.Create(headerPath)
	if err != nil {
		return err
	}
	defer headerFile.Close()

	if _, err := headerFile.Write(item.Header); err != nil {
		s.tryRemoveDangling(id + ".header")
		return err
	}

	bodyReader, err := item.Body.Open()
	if err != nil {
		s.tryRemoveDangling(id + ".header")
		return err
	}
	defer bodyReader.Close()

	bodyPath := filepath.Join(s.location, id+".body")
	bodyFile, err := os.Create(bodyPath)
	if err != nil {
		s.tryRemoveDangling(id + ".header")
		return err
	}
	defer bodyFile.Close()

	if _, err := bodyFile.ReadFrom(bodyReader); err != nil {
		s.tryRemoveDangling(id + ".body")
		s.tryRemoveDangling(id + ".header")
		return err
	}

	if err := s.writeEnvelope(id, fsEnvelope{
		CreatedAt:   item.CreatedAt,
		NextAttempt: item.NextAttempt,
		Meta:        item.Meta,
	}); err != nil {
		s.tryRemoveDangling(id + ".body")
		s.tryRemoveDangling(id + ".header")
		return err
	}

	if err := headerFile.Sync(); err != nil {
		return err
	}
	if err := bodyFile.Sync(); err != nil {
		return err
	}

	s.mu.Lock()
	s.sched[id] = item.NextAttempt
	s.mu.Unlock()
	return nil
}

func (s *fsStore) DequeueReady(limit int) ([]*Item, error) {
	s.mu.Lock()
	ids := readyIDs(limit, s.leased, func(visit func(id string, next time.Time)) {
		for id, next := range s.sched {
			visit(id, next)
		}
	})
	for _, id := range ids {
		s.leased[id] = struct{}{}
	}
	s.mu.Unlock()

	res := make([]*Item, 0, len(ids))
	for _, id := range ids {
		item, err := s.openItem(id)
		if err != nil {
			s.log.Printf("failed to open queued message, dropping: %v (msg ID = %s)", err, id)
			_ = s.Ack(id)
			continue
		}
		res = append(res, item)
	}
	return res, nil
}

func (s *fsStore) Ack(id string) error {
	// Order is important. If the header and body are removed but meta is
	// not, the start-up scan will detect and report it.
	if err := os.Remove(filepath.Join(s.location, id+".header")); err != nil && !os.IsNotExist(err) {
		s.log.Error("failed to remove header from disk", err, "msg_id", id)
	}
	if err := os.Remove(filepath.Join(s.location, id+".body")); err != nil && !os.IsNotExist(err) {
		s.log.Error("failed to remove body from disk", err, "msg_id", id)
	}
	if err := os.Remove(filepath.Join(s.location, id+".meta")); err != nil && !os.IsNotExist(err) {
		s.log.Error("failed to remove meta-data from disk", err, "msg_id", id)
	}

	s.mu.Lock()
	delete(s.sched, id)
	delete(s.leased, id)
	s.mu.Unlock()
	return nil
}

func (s *fsStore) Reschedule(id string, when time.Time, meta []byte) error {
	env, err := s.readEnvelope(id)
	if err != nil {
		return err
	}
	env.NextAttempt = when
	env.Meta = meta
	if err := s.writeEnvelope(id, *env); err != nil {
		return err
	}

	s.mu.Lock()
	s.sched[id] = when
	delete(s.leased, id)
	s.mu.Unlock()
	return nil
}

func (s *fsStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sched)
}

func (s *fsStore) Close() error {
	return nil
}

func (s *fsStore) openItem(id string) (*Item, error) {
	env, err := s.readEnvelope(id)
	if err != nil {
		return nil, err
	}

	header, err := os.ReadFile(filepath.Join(s.location, id+".header"))
	if err != nil {
		return nil, err
	}

	bodyPath := filepath.Join(s.location, id+".body")
	if _, err := os.Stat(bodyPath); err != nil {
		return nil, err
	}

	return &Item{
		ID:          id,
		Meta:        env.Meta,
		Header:      header,
		Body:        buffer.FileBuffer{Path: bodyPath},
		CreatedAt:   env.CreatedAt,
		NextAttempt: env.NextAttempt,
	}, nil
}

func (s *fsStore) readEnvelope(id string) (*fsEnvelope, error) {
	file, err := os.Open(filepath.Join(s.location, id+".meta"))
	if err != nil {
		return nil, err
	}
	defer file.Close()

	env := &fsEnvelope{}
	if err := json.NewDecoder(file).Decode(env); err != nil {
		return nil, err
	}
	return env, nil
}

func (s *fsStore) writeEnvelope(id string, env fsEnvelope) error {
	metaPath := filepath.Join(s.location, id+".meta")

	var file *os.File
	var err error
	if runtime.GOOS == "windows" {
		file, err = os.Create(metaPath)
	} else {
		file, err = os.Create(metaPath + ".new")
	}
	if err != nil {
		return err
	}
	defer file.Close()

	if err := json.NewEncoder(file).Encode(env); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		return err
	}

	if runtime.GOOS != "windows" {
		return os.Rename(metaPath+".new", metaPath)
	}
	return nil
}

func (s *fsStore) tryRemoveDangling(name string) {
	if err := os.Remove(filepath.Join(s.location, name)); err != nil {
		if !os.IsNotExist(err) {
			s.log.Error("dangling file remove failed", err)
		}
		return
	}
	s.log.Printf("removed dangling file %s", name)
}
