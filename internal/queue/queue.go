// Package queue implements the durable offline queue for readings that
// could not be delivered to the cloud broker. Entries survive process
// restarts and are removed only after a confirmed send.
package queue

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const schema = `
CREATE TABLE IF NOT EXISTS reading_queue (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	topic      TEXT NOT NULL,
	payload    TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	status     TEXT NOT NULL DEFAULT 'pending'
);
CREATE INDEX IF NOT EXISTS idx_reading_queue_status ON reading_queue(status, id);
`

// An Entry is one pending reading waiting for delivery. Entries are
// never mutated, only deleted after the send is acknowledged.
type Entry struct {
	ID        int64
	Topic     string
	Payload   []byte
	CreatedAt time.Time
}

// Queue is a SQLite backed FIFO store. A single connection serializes
// all access behind the queue mutex, so readers always see a consistent
// snapshot.
type Queue struct {
	mu   sync.Mutex
	conn *sqlite.Conn
}

// Open creates or opens the queue database at path and ensures the
// schema exists.
func Open(path string) (*Queue, error) {
	conn, err := sqlite.OpenConn(path, sqlite.OpenReadWrite|sqlite.OpenCreate|sqlite.OpenWAL)
	if err != nil {
		return nil, errors.Wrapf(err, "opening offline queue %s", path)
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "initializing offline queue schema")
	}
	return &Queue{conn: conn}, nil
}

func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.conn.Close()
}

// Enqueue persists a new pending entry and returns its id. The entry is
// durable once Enqueue returns. An error here means the reading is lost;
// there is no further fallback tier.
func (q *Queue) Enqueue(topic string, payload []byte) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	err := sqlitex.Execute(q.conn,
		`INSERT INTO reading_queue (topic, payload, created_at) VALUES (?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{topic, string(payload), time.Now().Unix()},
		})
	if err != nil {
		return 0, errors.Wrap(err, "enqueueing reading")
	}
	return q.conn.LastInsertRowID(), nil
}

// Pending returns up to limit pending entries in enqueue order.
func (q *Queue) Pending(limit int) ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var entries []Entry
	err := sqlitex.Execute(q.conn,
		`SELECT id, topic, payload, created_at FROM reading_queue
		 WHERE status = 'pending' ORDER BY id ASC LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				entries = append(entries, Entry{
					ID:        stmt.ColumnInt64(0),
					Topic:     stmt.ColumnText(1),
					Payload:   []byte(stmt.ColumnText(2)),
					CreatedAt: time.Unix(stmt.ColumnInt64(3), 0),
				})
				return nil
			},
		})
	if err != nil {
		return nil, errors.Wrap(err, "reading pending queue entries")
	}
	return entries, nil
}

// Delete removes the given entries in a single transaction: either all
// ids are removed or none are. Unknown ids are no-ops.
func (q *Queue) Delete(ids []int64) (err error) {
	if len(ids) == 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	defer sqlitex.Save(q.conn)(&err)
	for _, id := range ids {
		err = sqlitex.Execute(q.conn,
			`DELETE FROM reading_queue WHERE id = ?`,
			&sqlitex.ExecOptions{Args: []any{id}})
		if err != nil {
			return errors.Wrapf(err, "deleting queue entry %d", id)
		}
	}
	return nil
}

// Count returns the number of pending entries. Advisory only.
func (q *Queue) Count() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var count int
	err := sqlitex.Execute(q.conn,
		`SELECT COUNT(*) FROM reading_queue WHERE status = 'pending'`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = stmt.ColumnInt(0)
				return nil
			},
		})
	if err != nil {
		return 0, errors.Wrap(err, "counting pending queue entries")
	}
	return count, nil
}
