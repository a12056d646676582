package framelog

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"canscope/bus"
)

// sqliteBatch is the number of rows committed per transaction.
const sqliteBatch = 500

const ddlFrames = `
CREATE TABLE IF NOT EXISTS frames (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    time_s      REAL    NOT NULL,          -- seconds since connect
    arb_id      INTEGER NOT NULL,
    extended    INTEGER NOT NULL DEFAULT 0,
    remote      INTEGER NOT NULL DEFAULT 0,
    fd          INTEGER NOT NULL DEFAULT 0,
    brs         INTEGER NOT NULL DEFAULT 0,
    direction   TEXT    NOT NULL,          -- 'Rx' | 'Tx'
    dlc         INTEGER NOT NULL,
    data        BLOB    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_frames_arb_id ON frames (arb_id, time_s);
`

const insertFrame = `INSERT INTO frames (time_s, arb_id, extended, remote, fd, brs, direction, dlc, data)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

// sqliteWriter stores frames in a WAL-mode SQLite table, batching inserts.
type sqliteWriter struct {
	db    *sql.DB
	tx    *sql.Tx
	stmt  *sql.Stmt
	batch int
}

func openSQLite(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("framelog: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("framelog: ping: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(ddlFrames); err != nil {
		db.Close()
		return nil, fmt.Errorf("framelog: migrate: %w", err)
	}
	return db, nil
}

func newSQLiteWriter(path string) (Writer, error) {
	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}
	return &sqliteWriter{db: db}, nil
}

func (s *sqliteWriter) begin() error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(insertFrame)
	if err != nil {
		tx.Rollback()
		return err
	}
	s.tx, s.stmt, s.batch = tx, stmt, 0
	return nil
}

func (s *sqliteWriter) commit() error {
	if s.tx == nil {
		return nil
	}
	s.stmt.Close()
	err := s.tx.Commit()
	s.tx, s.stmt = nil, nil
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *sqliteWriter) Write(f bus.Frame) error {
	if s.tx == nil {
		if err := s.begin(); err != nil {
			return err
		}
	}
	data := f.Data
	if data == nil {
		data = []byte{}
	}
	_, err := s.stmt.Exec(f.Time, int64(f.ID), boolInt(f.Extended), boolInt(f.Remote),
		boolInt(f.FD), boolInt(f.BRS), f.Direction.String(), f.DLC(), data)
	if err != nil {
		return err
	}
	if s.batch++; s.batch >= sqliteBatch {
		return s.commit()
	}
	return nil
}

func (s *sqliteWriter) Close() error {
	err := s.commit()
	if cerr := s.db.Close(); err == nil {
		err = cerr
	}
	return err
}
