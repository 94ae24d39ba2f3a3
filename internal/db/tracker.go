package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/marcus/cacheagent/internal/models"
)

// AppendModification records a local mutation of obj in the modification log
func (db *DB) AppendModification(cmd models.Command, obj models.Object) (int64, error) {
	data, err := json.Marshal(obj)
	if err != nil {
		return 0, fmt.Errorf("marshal %s: %w", obj.ObjectClass(), err)
	}

	var id int64
	err = db.withWriteLock(func() error {
		res, err := db.conn.Exec(
			`INSERT INTO modifications (command, object_class, ident, object, timestamp) VALUES (?, ?, ?, ?, ?)`,
			string(cmd), obj.ObjectClass(), obj.Ident(), string(data), time.Now().UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("log modification: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// Modifications returns the modification log in append order.
// An empty class returns all classes.
func (db *DB) Modifications(class string) ([]models.ModificationRecord, error) {
	var rows *sql.Rows
	var err error
	if class == "" {
		rows, err = db.conn.Query(`SELECT id, command, object_class, ident, object, timestamp FROM modifications ORDER BY id ASC`)
	} else {
		rows, err = db.conn.Query(`SELECT id, command, object_class, ident, object, timestamp FROM modifications WHERE object_class = ? ORDER BY id ASC`, class)
	}
	if err != nil {
		return nil, fmt.Errorf("query modifications: %w", err)
	}
	defer rows.Close()

	var records []models.ModificationRecord
	for rows.Next() {
		var (
			rec     models.ModificationRecord
			command string
			object  sql.NullString
			ts      string
		)
		if err := rows.Scan(&rec.ID, &command, &rec.ObjectClass, &rec.Ident, &object, &ts); err != nil {
			return nil, fmt.Errorf("scan modification: %w", err)
		}
		rec.Command = models.Command(command)
		if object.Valid && object.String != "" {
			rec.Object = json.RawMessage(object.String)
		}
		rec.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse timestamp id=%d: %w", rec.ID, err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ClearModifications removes the given log entries after they were consumed
func (db *DB) ClearModifications(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return db.withWriteLock(func() error {
		_, err := db.conn.Exec(`DELETE FROM modifications WHERE id IN (`+placeholders+`)`, args...)
		if err != nil {
			return fmt.Errorf("clear modifications: %w", err)
		}
		return nil
	})
}

// DiscardModifications drops the whole log, used on faulty reset
func (db *DB) DiscardModifications() error {
	return db.withWriteLock(func() error {
		_, err := db.conn.Exec(`DELETE FROM modifications`)
		return err
	})
}

// CountModifications returns the number of pending log entries
func (db *DB) CountModifications() (int64, error) {
	var count int64
	err := db.conn.QueryRow(`SELECT COUNT(*) FROM modifications`).Scan(&count)
	return count, err
}
