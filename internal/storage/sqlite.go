package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	logx "stationdb/pkg/logx"
)

//go:embed migrations.sql
var sqliteSchema string

const (
	sqliteFileName = "database.sqlite"
	// sqliteKeep is how many snapshot generations survive a write. Reads fall
	// back to an older generation when the newest fails its checksum.
	sqliteKeep = 3
)

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(dir string, busyTimeout time.Duration, log logx.Logger) (Backend, error) {
	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}
	// Pragmas in the DSN apply to every pooled connection.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		filepath.Join(dir, sqliteFileName), busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), busyTimeout)
	defer cancel()
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) ReadSnapshot(ctx context.Context) ([]byte, error) {
	if s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, `SELECT generation, payload, checksum FROM snapshots ORDER BY generation DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	found := false
	for rows.Next() {
		var (
			gen     int64
			payload []byte
			sum     string
		)
		if err := rows.Scan(&gen, &payload, &sum); err != nil {
			return nil, err
		}
		found = true
		if sum == strconv.FormatUint(checksum(payload), checksumBase) {
			return payload, nil
		}
		s.log.Warn("snapshot generation corrupt, trying older", logx.Int64("generation", gen))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if found {
		return nil, fmt.Errorf("%w: no generation passed its checksum", ErrCorrupt)
	}
	return nil, ErrNotFound
}

func (s *sqliteStore) WriteSnapshot(ctx context.Context, payload []byte) error {
	if s.db == nil {
		return ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO snapshots(payload, checksum, saved_at) VALUES(?, ?, ?)`,
		payload, strconv.FormatUint(checksum(payload), checksumBase), time.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM snapshots WHERE generation NOT IN (SELECT generation FROM snapshots ORDER BY generation DESC LIMIT ?)`,
		sqliteKeep,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
