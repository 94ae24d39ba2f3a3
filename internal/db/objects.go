package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/marcus/cacheagent/internal/models"
)

// PutObjects inserts or replaces objects in a single transaction
func (db *DB) PutObjects(objs ...models.Object) error {
	if len(objs) == 0 {
		return nil
	}
	return db.withWriteLock(func() error {
		tx, err := db.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback()

		if err := putObjectsTx(tx, objs); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func putObjectsTx(tx *sql.Tx, objs []models.Object) error {
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO objects (object_class, ident, data, updated_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, obj := range objs {
		data, err := json.Marshal(obj)
		if err != nil {
			return fmt.Errorf("marshal %s %s: %w", obj.ObjectClass(), obj.Ident(), err)
		}
		if _, err := stmt.Exec(obj.ObjectClass(), obj.Ident(), string(data), now); err != nil {
			return fmt.Errorf("put %s %s: %w", obj.ObjectClass(), obj.Ident(), err)
		}
	}
	return nil
}

// GetRaw returns the stored JSON of an object, nil when absent
func (db *DB) GetRaw(class, ident string) (json.RawMessage, error) {
	var data string
	err := db.conn.QueryRow(`SELECT data FROM objects WHERE object_class = ? AND ident = ?`, class, ident).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s %s: %w", class, ident, err)
	}
	return json.RawMessage(data), nil
}

// GetObject loads one object by ident; it returns nil when absent
func GetObject[T models.Object](db *DB, ident string) (*T, error) {
	var zero T
	raw, err := db.GetRaw(zero.ObjectClass(), ident)
	if err != nil || raw == nil {
		return nil, err
	}
	var obj T
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("unmarshal %s %s: %w", zero.ObjectClass(), ident, err)
	}
	return &obj, nil
}

// ListObjects returns all objects of T's class ordered by ident
func ListObjects[T models.Object](db *DB) ([]T, error) {
	var zero T
	class := zero.ObjectClass()

	rows, err := db.conn.Query(`SELECT data FROM objects WHERE object_class = ? ORDER BY ident`, class)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", class, err)
	}
	defer rows.Close()

	var objs []T
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan %s: %w", class, err)
		}
		var obj T
		if err := json.Unmarshal([]byte(data), &obj); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", class, err)
		}
		objs = append(objs, obj)
	}
	return objs, rows.Err()
}

// DeleteObject removes an object, reporting whether it existed
func (db *DB) DeleteObject(class, ident string) (bool, error) {
	var affected int64
	err := db.withWriteLock(func() error {
		res, err := db.conn.Exec(`DELETE FROM objects WHERE object_class = ? AND ident = ?`, class, ident)
		if err != nil {
			return fmt.Errorf("delete %s %s: %w", class, ident, err)
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	return affected > 0, err
}

// CountObjects returns the number of stored objects of a class, or of all
// classes when class is empty
func (db *DB) CountObjects(class string) (int64, error) {
	var count int64
	var err error
	if class == "" {
		err = db.conn.QueryRow(`SELECT COUNT(*) FROM objects`).Scan(&count)
	} else {
		err = db.conn.QueryRow(`SELECT COUNT(*) FROM objects WHERE object_class = ?`, class).Scan(&count)
	}
	return count, err
}

// ReplaceObjects replaces the whole store content with objs in one transaction
func (db *DB) ReplaceObjects(objs ...models.Object) error {
	return db.withWriteLock(func() error {
		tx, err := db.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback()

		if _, err := tx.Exec(`DELETE FROM objects`); err != nil {
			return fmt.Errorf("clear objects: %w", err)
		}
		if err := putObjectsTx(tx, objs); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// CopyTo replaces the objects of dst with an exact copy of db's objects
func (db *DB) CopyTo(dst *DB) error {
	rows, err := db.conn.Query(`SELECT object_class, ident, data, updated_at FROM objects ORDER BY object_class, ident`)
	if err != nil {
		return fmt.Errorf("read objects: %w", err)
	}
	type row struct{ class, ident, data, updatedAt string }
	var all []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.class, &r.ident, &r.data, &r.updatedAt); err != nil {
			rows.Close()
			return fmt.Errorf("scan object: %w", err)
		}
		all = append(all, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	return dst.withWriteLock(func() error {
		tx, err := dst.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback()

		if _, err := tx.Exec(`DELETE FROM objects`); err != nil {
			return fmt.Errorf("clear target: %w", err)
		}
		stmt, err := tx.Prepare(`INSERT INTO objects (object_class, ident, data, updated_at) VALUES (?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, r := range all {
			if _, err := stmt.Exec(r.class, r.ident, r.data, r.updatedAt); err != nil {
				return fmt.Errorf("copy %s %s: %w", r.class, r.ident, err)
			}
		}
		return tx.Commit()
	})
}
