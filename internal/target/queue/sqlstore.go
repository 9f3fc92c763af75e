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
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"

	"github.com/robin-mta/robin/framework/buffer"
)

// sqlStore keeps the queue in a relational database, one row per item:
//
//	(id bigserial PK, data bytea/longblob, created_at timestamp)
//
// data is an opaque JSON blob carrying the item payload and its retry
// schedule. The schedule index and the item-ID to row-ID mapping are kept
// in memory and rebuilt from the table on start-up, the same way the
// file-backed store rebuilds its index from the directory scan.
type sqlStore struct {
	driver string
	db     *sql.DB

	mu     sync.Mutex
	rowIDs map[string]int64
	sched  map[string]time.Time
	leased map[string]struct{}
}

// sqlEnvelope is the content of the data column.
type sqlEnvelope struct {
	ItemID      string
	CreatedAt   time.Time
	NextAttempt time.Time
	Meta        json.RawMessage
	Header      []byte
	Body        []byte
}

const (
	mysqlSchema = `CREATE TABLE IF NOT EXISTS queue (
		id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		data LONGBLOB NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`
	pqSchema = `CREATE TABLE IF NOT EXISTS queue (
		id BIGSERIAL PRIMARY KEY,
		data BYTEA NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT now()
	)`
)

func openSQLStore(kind, dsn string, initialDelay time.Duration) (*sqlStore, error) {
	driver := kind
	schema := mysqlSchema
	if kind == "postgres" {
		schema = pqSchema
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("queue: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("queue: schema init: %w", err)
	}

	s := &sqlStore{
		driver: driver,
		db:     db,
		rowIDs: map[string]int64{},
		sched:  map[string]time.Time{},
		leased: map[string]struct{}{},
	}
	if err := s.loadIndex(initialDelay); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *sqlStore) loadIndex(initialDelay time.Duration) error {
	rows, err := s.db.Query("SELECT id, data FROM queue")
	if err != nil {
		return fmt.Errorf("queue: index load: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			rowID int64
			data  []byte
		)
		if err := rows.Scan(&rowID, &data); err != nil {
			return err
		}
		env := sqlEnvelope{}
		if err := json.Unmarshal(data, &env); err != nil {
			// Unreadable rows are left in place so they can be inspected,
			// they are just never scheduled.
			continue
		}

		next := env.NextAttempt
		if time.Until(next) < initialDelay {
			next = time.Now().Add(initialDelay)
		}
		s.rowIDs[env.ItemID] = rowID
		s.sched[env.ItemID] = next
	}
	return rows.Err()
}

func (s *sqlStore) placeholder(n int) string {
	if s.driver == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (s *sqlStore) Enqueue(item *Item) error {
	body, err := readBodyBlob(item.Body)
	if err != nil {
		return err
	}
	data, err := json.Marshal(sqlEnvelope{
		ItemID:      item.ID,
		CreatedAt:   item.CreatedAt,
		NextAttempt: item.NextAttempt,
		Meta:        item.Meta,
		Header:      item.Header,
		Body:        body,
	})
	if err != nil {
		return err
	}

	var rowID int64
	if s.driver == "postgres" {
		err = s.db.QueryRow("INSERT INTO queue (data) VALUES ($1) RETURNING id", data).Scan(&rowID)
	} else {
		var res sql.Result
		res, err = s.db.Exec("INSERT INTO queue (data) VALUES (?)", data)
		if err == nil {
			rowID, err = res.LastInsertId()
		}
	}
	if err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}

	s.mu.Lock()
	s.rowIDs[item.ID] = rowID
	s.sched[item.ID] = item.NextAttempt
	s.mu.Unlock()
	return nil
}

func (s *sqlStore) DequeueReady(limit int) ([]*Item, error) {
	s.mu.Lock()
	ids := readyIDs(limit, s.leased, func(visit func(id string, next time.Time)) {
		for id, next := range s.sched {
			visit(id, next)
		}
	})
	rowIDs := make([]int64, 0, len(ids))
	for _, id := range ids {
		s.leased[id] = struct{}{}
		rowIDs = append(rowIDs, s.rowIDs[id])
	}
	s.mu.Unlock()

	res := make([]*Item, 0, len(ids))
	for i, id := range ids {
		var data []byte
		err := s.db.QueryRow("SELECT data FROM queue WHERE id = "+s.placeholder(1), rowIDs[i]).Scan(&data)
		if err != nil {
			if err == sql.ErrNoRows {
				_ = s.Ack(id)
				continue
			}
			return res, fmt.Errorf("queue: dequeue: %w", err)
		}
		env := sqlEnvelope{}
		if err := json.Unmarshal(data, &env); err != nil {
			_ = s.Ack(id)
			continue
		}

		res = append(res, &Item{
			ID:          id,
			Meta:        env.Meta,
			Header:      env.Header,
			Body:        buffer.MemoryBuffer{Slice: env.Body},
			CreatedAt:   env.CreatedAt,
			NextAttempt: env.NextAttempt,
		})
	}
	return res, nil
}

func (s *sqlStore) Ack(id string) error {
	s.mu.Lock()
	rowID, ok := s.rowIDs[id]
	delete(s.rowIDs, id)
	delete(s.sched, id)
	delete(s.leased, id)
	s.mu.Unlock()
	if !ok {
		return nil
	}

	if _, err := s.db.Exec("DELETE FROM queue WHERE id = "+s.placeholder(1), rowID); err != nil {
		return fmt.Errorf("queue: ack: %w", err)
	}
	return nil
}

func (s *sqlStore) Reschedule(id string, when time.Time, meta []byte) error {
	s.mu.Lock()
	rowID, ok := s.rowIDs[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("queue: no such item: %v", id)
	}

	var data []byte
	if err := s.db.QueryRow("SELECT data FROM queue WHERE id = "+s.placeholder(1), rowID).Scan(&data); err != nil {
		return fmt.Errorf("queue: reschedule: %w", err)
	}
	env := sqlEnvelope{}
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("queue: reschedule: %w", err)
	}
	env.NextAttempt = when
	env.Meta = meta
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	if s.driver == "postgres" {
		_, err = s.db.Exec("UPDATE queue SET data = $1 WHERE id = $2", data, rowID)
	} else {
		_, err = s.db.Exec("UPDATE queue SET data = ? WHERE id = ?", data, rowID)
	}
	if err != nil {
		return fmt.Errorf("queue: reschedule: %w", err)
	}

	s.mu.Lock()
	s.sched[id] = when
	delete(s.leased, id)
	s.mu.Unlock()
	return nil
}

func (s *sqlStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sched)
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}
