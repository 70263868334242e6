package recording

import (
	"database/sql"
	"fmt"
	"os"
	"strings"

	// Need to use SQLite connections.
	_ "github.com/mattn/go-sqlite3"

	"github.com/rs/xid"
)

const createTrafficSQL = `CREATE TABLE IF NOT EXISTS traffic (
	Time INTEGER,
	Run TEXT,
	Domain TEXT,
	Event TEXT,
	MsgID INTEGER,
	Kind TEXT,
	Action TEXT,
	Src INTEGER,
	Dst INTEGER,
	Service INTEGER,
	Code TEXT,
	Length INTEGER,
	Detail TEXT
)`

const insertTrafficSQL = `INSERT INTO traffic VALUES
	(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// SQLiteWriter writes records into a SQLite file.
type SQLiteWriter struct {
	*sql.DB

	filename string
}

// NewSQLiteWriter creates a new database at path. An empty path picks a
// unique name in the working directory. The file must not exist yet.
func NewSQLiteWriter(path string) (*SQLiteWriter, error) {
	if path == "" {
		path = "telerouter_record_" + xid.New().String()
	}

	if !strings.HasSuffix(path, ".sqlite3") {
		path += ".sqlite3"
	}

	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("recording: file %s already exists", path)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("recording: %w", err)
	}

	if _, err := db.Exec(createTrafficSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("recording: creating table: %w", err)
	}

	return &SQLiteWriter{DB: db, filename: path}, nil
}

// Filename returns the database file.
func (w *SQLiteWriter) Filename() string {
	return w.filename
}

// Write inserts rows in one transaction.
func (w *SQLiteWriter) Write(rows []Record) error {
	tx, err := w.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(insertTrafficSQL)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, r := range rows {
		_, err := stmt.Exec(
			r.Time, r.Run, r.Domain, r.Event, r.MsgID, r.Kind, r.Action,
			r.Src, r.Dst, r.Service, r.Code, r.Length, r.Detail,
		)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("recording: inserting %s: %w", r.Event, err)
		}
	}

	return tx.Commit()
}
