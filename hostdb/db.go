package hostdb

import (
	"database/sql/driver"
	"io"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"go.powersync.dev/core/protocol"
)

// DB is a borrowed handle on the host's SQLite connection. It is only valid
// within the scope of a single engine invocation; the engine never retains
// one across host transactions.
type DB struct {
	conn *sqlite3.SQLiteConn
}

// Wrap adapts a raw go-sqlite3 connection.
func Wrap(conn *sqlite3.SQLiteConn) *DB { return &DB{conn: conn} }

// Conn exposes the underlying connection for function registration.
func (db *DB) Conn() *sqlite3.SQLiteConn { return db.conn }

// Exec runs one or more SQL statements, discarding any rows they produce.
func (db *DB) Exec(query string, args ...interface{}) error {
	var values, err = normalizeArgs(args)
	if err != nil {
		return err
	}
	if _, err = db.conn.Exec(query, values); err != nil {
		return mapError(err)
	}
	return nil
}

// Query runs a single SQL statement and returns its rows.
func (db *DB) Query(query string, args ...interface{}) (*Rows, error) {
	var values, err = normalizeArgs(args)
	if err != nil {
		return nil, err
	}
	rows, err := db.conn.Query(query, values)
	if err != nil {
		return nil, mapError(err)
	}
	return &Rows{rows: rows, buf: make([]driver.Value, len(rows.Columns()))}, nil
}

// QueryRow runs a query expected to produce at most one row, scanning it
// into dest. It returns false without error when no row was produced.
func (db *DB) QueryRow(query string, args []interface{}, dest ...interface{}) (bool, error) {
	var rows, err = db.Query(query, args...)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	if !rows.Next() {
		return false, rows.Err()
	}
	if err = rows.Scan(dest...); err != nil {
		return false, err
	}
	return true, rows.Close()
}

// QueryInt64 runs a query producing a single integer value.
func (db *DB) QueryInt64(query string, args ...interface{}) (int64, error) {
	var v int64
	var ok, err = db.QueryRow(query, args, &v)
	if err != nil {
		return 0, err
	} else if !ok {
		return 0, protocol.InternalError(errors.Errorf("query %q returned no rows", query))
	}
	return v, nil
}

// Rows wraps driver rows with scan helpers.
type Rows struct {
	rows driver.Rows
	buf  []driver.Value
	err  error
	done bool
}

// Next advances to the next row, returning false at the end of the result
// set or on error (see Err).
func (r *Rows) Next() bool {
	if r.done {
		return false
	}
	if err := r.rows.Next(r.buf); err != nil {
		r.done = true
		if err != io.EOF {
			r.err = mapError(err)
		}
		return false
	}
	return true
}

// Err returns the error which terminated iteration, if any.
func (r *Rows) Err() error { return r.err }

// Close releases the underlying statement. It is safe to call repeatedly.
func (r *Rows) Close() error {
	if r.rows == nil {
		return nil
	}
	var err = r.rows.Close()
	r.rows, r.done = nil, true
	if err != nil {
		return mapError(err)
	}
	return nil
}

// Scan copies the current row into dest. Supported destinations are *int64,
// *int, *bool, *float64, *string, *[]byte, and **string / **int64 for
// nullable columns.
func (r *Rows) Scan(dest ...interface{}) error {
	if len(dest) > len(r.buf) {
		return protocol.InternalError(errors.Errorf(
			"scan of %d values from %d columns", len(dest), len(r.buf)))
	}
	for i, d := range dest {
		if err := assign(d, r.buf[i]); err != nil {
			return err
		}
	}
	return nil
}

func assign(dest interface{}, src driver.Value) error {
	switch d := dest.(type) {
	case *int64:
		switch s := src.(type) {
		case int64:
			*d = s
		case float64:
			*d = int64(s)
		case nil:
			*d = 0
		default:
			return scanError(dest, src)
		}
	case *int:
		var v int64
		if err := assign(&v, src); err != nil {
			return err
		}
		*d = int(v)
	case *bool:
		var v int64
		if err := assign(&v, src); err != nil {
			return err
		}
		*d = v != 0
	case *float64:
		switch s := src.(type) {
		case float64:
			*d = s
		case int64:
			*d = float64(s)
		default:
			return scanError(dest, src)
		}
	case *string:
		switch s := src.(type) {
		case string:
			*d = s
		case []byte:
			*d = string(s)
		case nil:
			*d = ""
		default:
			return scanError(dest, src)
		}
	case *[]byte:
		switch s := src.(type) {
		case []byte:
			*d = append([]byte(nil), s...)
		case string:
			*d = []byte(s)
		case nil:
			*d = nil
		default:
			return scanError(dest, src)
		}
	case **string:
		if src == nil {
			*d = nil
		} else {
			var v string
			if err := assign(&v, src); err != nil {
				return err
			}
			*d = &v
		}
	case **int64:
		if src == nil {
			*d = nil
		} else {
			var v int64
			if err := assign(&v, src); err != nil {
				return err
			}
			*d = &v
		}
	default:
		return protocol.InternalError(errors.Errorf("unsupported scan destination %T", dest))
	}
	return nil
}

func scanError(dest interface{}, src driver.Value) error {
	return protocol.InternalError(errors.Errorf("cannot scan %T into %T", src, dest))
}

func normalizeArgs(args []interface{}) ([]driver.Value, error) {
	var values = make([]driver.Value, len(args))
	for i, a := range args {
		switch v := a.(type) {
		case nil:
			values[i] = nil
		case string:
			values[i] = v
		case []byte:
			values[i] = v
		case bool:
			values[i] = v
		case int:
			values[i] = int64(v)
		case int32:
			values[i] = int64(v)
		case int64:
			values[i] = v
		case float64:
			values[i] = v
		case time.Time:
			values[i] = v
		case protocol.OpID:
			values[i] = int64(v)
		case protocol.BucketPriority:
			values[i] = int64(v)
		case protocol.Checksum:
			values[i] = v.SignedBits()
		case *string:
			if v == nil {
				values[i] = nil
			} else {
				values[i] = *v
			}
		case *int64:
			if v == nil {
				values[i] = nil
			} else {
				values[i] = *v
			}
		default:
			return nil, protocol.InternalError(errors.Errorf("unsupported argument type %T", a))
		}
	}
	return values, nil
}

func mapError(err error) error {
	if se, ok := err.(sqlite3.Error); ok {
		switch se.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return protocol.BusyError(err)
		}
	}
	return protocol.InternalError(err)
}

// Quote escapes a string literal for embedding in generated SQL.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// QuoteIdentifier escapes an identifier for embedding in generated SQL.
func QuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// QuoteJSONPath quotes a "$.column" JSON path literal.
func QuoteJSONPath(column string) string {
	return Quote("$." + column)
}
