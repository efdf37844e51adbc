package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/CZERTAINLY/msfharvest/internal/model"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyFinished = errors.New("already finished")
)

// Run is one harvest as persisted in the database.
type Run struct {
	UUID          string
	Category      string
	InProgress    bool
	Success       *bool
	FailureReason *string
	Started       time.Time
	Finished      *time.Time
	Expected      int
	Processed     int
	Failed        int
}

type RunRow struct {
	Run
	ID int
}

func (r RunRow) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "uuid: %q, category: %q, in_progress: %t", r.UUID, r.Category, r.InProgress)
	if r.Success != nil {
		fmt.Fprintf(&sb, ", success: %t", *r.Success)
	} else {
		sb.WriteString(", success: nil")
	}
	if r.FailureReason != nil {
		fmt.Fprintf(&sb, ", failure_reason: %q", *r.FailureReason)
	}
	fmt.Fprintf(&sb, ", processed: %d/%d, failed: %d", r.Processed, r.Expected, r.Failed)
	return sb.String()
}

// Counts are the numbers reported by a finished harvest.
type Counts struct {
	Expected  int
	Processed int
	Failed    int
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		uuid TEXT NOT NULL UNIQUE,
		category TEXT NOT NULL,
		in_progress BOOLEAN NOT NULL,
		success BOOLEAN DEFAULT NULL,
		failure_reason TEXT DEFAULT NULL,
		started INTEGER NOT NULL,
		finished INTEGER DEFAULT NULL,
		expected INTEGER NOT NULL DEFAULT 0,
		processed INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS records (
		run_id INTEGER NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		payload TEXT NOT NULL,
		options TEXT,
		payload_options TEXT,
		target TEXT,
		PRIMARY KEY (run_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS listings (
		category TEXT NOT NULL,
		position INTEGER NOT NULL,
		idx TEXT NOT NULL,
		name TEXT NOT NULL,
		disclosure_date TEXT NOT NULL,
		rank TEXT NOT NULL,
		check_ TEXT NOT NULL,
		description TEXT NOT NULL,
		PRIMARY KEY (category, position)
	)`,
}

func InitDB(ctx context.Context, dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// sqlite does not like concurrent writers
	db.SetMaxOpenConns(1)

	for _, stmt := range append([]string{`PRAGMA foreign_keys = ON`}, schema...) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, errors.Join(err, db.Close())
		}
	}
	return db, nil
}

func rollback(ctx context.Context, tx *sql.Tx, uuid string) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		slog.ErrorContext(ctx, "Calling `tx.Rollback()` failed.", slog.String("uuid", uuid))
	}
}

// Start persists that a harvest identified by uuid is in progress. Starting a
// run which is still in progress is a no-op, a finished run returns
// ErrAlreadyFinished.
func Start(ctx context.Context, db *sql.DB, uuid, category string, started time.Time) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, uuid)

	var inProgress bool
	err = tx.QueryRowContext(ctx,
		`SELECT in_progress FROM runs WHERE uuid=?`, uuid,
	).Scan(&inProgress)
	switch {
	case err == nil && inProgress:
		return nil
	case err == nil && !inProgress:
		return ErrAlreadyFinished
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("executing sql query failed: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (uuid, category, in_progress, started) VALUES (?,?,?,?);`,
		uuid, category, true, started.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("executing sql insert failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

// Get returns a run identified by uuid or ErrNotFound.
func Get(ctx context.Context, db *sql.DB, uuid string) (RunRow, error) {
	var (
		row      RunRow
		started  int64
		finished *int64
	)
	err := db.QueryRowContext(ctx,
		`SELECT id, uuid, category, in_progress, success, failure_reason, started, finished, expected, processed, failed
		 FROM runs WHERE uuid=?`, uuid,
	).Scan(
		&row.ID,
		&row.UUID,
		&row.Category,
		&row.InProgress,
		&row.Success,
		&row.FailureReason,
		&started,
		&finished,
		&row.Expected,
		&row.Processed,
		&row.Failed,
	)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return RunRow{}, ErrNotFound
	case err != nil:
		return RunRow{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	row.Started = time.UnixMilli(started)
	if finished != nil {
		f := time.UnixMilli(*finished)
		row.Finished = &f
	}
	return row, nil
}

// Finish stores the outcome of a run together with its records. A nil cause
// marks the run successful. Runs which are not in progress return
// ErrAlreadyFinished.
func Finish(ctx context.Context, db *sql.DB, uuid string, counts Counts, records []model.ModuleRecord, cause error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, uuid)

	var (
		id         int
		inProgress bool
	)
	err = tx.QueryRowContext(ctx,
		`SELECT id, in_progress FROM runs WHERE uuid=?`, uuid,
	).Scan(&id, &inProgress)
	switch {
	case err == nil && !inProgress:
		return ErrAlreadyFinished
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case err != nil:
		return fmt.Errorf("executing sql query failed: %w", err)
	}

	var reason *string
	if cause != nil {
		s := cause.Error()
		reason = &s
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE runs
		 SET
			in_progress = false,
			success = ?,
			failure_reason = ?,
			finished = ?,
			expected = ?,
			processed = ?,
			failed = ?
		WHERE id = ?;
		`, cause == nil, reason, time.Now().UnixMilli(), counts.Expected, counts.Processed, counts.Failed, id,
	)
	if err != nil {
		return fmt.Errorf("executing sql update failed: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO records (run_id, name, payload, options, payload_options, target) VALUES (?,?,?,?,?,?)`,
	)
	if err != nil {
		return fmt.Errorf("preparing sql insert failed: %w", err)
	}
	defer stmt.Close()
	for _, r := range records {
		opts, popts, target, err := marshalRecord(r)
		if err != nil {
			return fmt.Errorf("encoding %s: %w", r.Name, err)
		}
		if _, err := stmt.ExecContext(ctx, id, r.Name, r.Payload, opts, popts, target); err != nil {
			return fmt.Errorf("executing sql insert of %s failed: %w", r.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

// Records returns the records of a run in name order.
func Records(ctx context.Context, db *sql.DB, uuid string) ([]model.ModuleRecord, error) {
	run, err := Get(ctx, db, uuid)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx,
		`SELECT name, payload, options, payload_options, target FROM records WHERE run_id=? ORDER BY name`, run.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer rows.Close()

	var ret []model.ModuleRecord
	for rows.Next() {
		var (
			r                   model.ModuleRecord
			opts, popts, target *string
		)
		if err := rows.Scan(&r.Name, &r.Payload, &opts, &popts, &target); err != nil {
			return nil, fmt.Errorf("scanning record: %w", err)
		}
		if err := unmarshalRecord(&r, opts, popts, target); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", r.Name, err)
		}
		ret = append(ret, r)
	}
	return ret, rows.Err()
}

// SaveListing replaces the stored listing of a category.
func SaveListing(ctx context.Context, db *sql.DB, category string, entries []model.ListingEntry) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, category)

	if _, err := tx.ExecContext(ctx, `DELETE FROM listings WHERE category=?`, category); err != nil {
		return fmt.Errorf("executing sql delete failed: %w", err)
	}
	for i, e := range entries {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO listings (category, position, idx, name, disclosure_date, rank, check_, description) VALUES (?,?,?,?,?,?,?,?)`,
			category, i, e.Index, e.Name, e.DisclosureDate, e.Rank, e.Check, e.Description,
		)
		if err != nil {
			return fmt.Errorf("executing sql insert failed: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

// Listing returns the stored listing of a category, ErrNotFound if there is
// none.
func Listing(ctx context.Context, db *sql.DB, category string) ([]model.ListingEntry, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT idx, name, disclosure_date, rank, check_, description FROM listings WHERE category=? ORDER BY position`, category,
	)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer rows.Close()

	var ret []model.ListingEntry
	for rows.Next() {
		var e model.ListingEntry
		if err := rows.Scan(&e.Index, &e.Name, &e.DisclosureDate, &e.Rank, &e.Check, &e.Description); err != nil {
			return nil, fmt.Errorf("scanning listing: %w", err)
		}
		ret = append(ret, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ret) == 0 {
		return nil, ErrNotFound
	}
	return ret, nil
}

// Delete removes a run and its records.
func Delete(ctx context.Context, db *sql.DB, uuid string) error {
	result, err := db.ExecContext(ctx,
		`DELETE FROM runs WHERE uuid=?`, uuid,
	)
	if err != nil {
		return fmt.Errorf("executing sql delete failed: %w", err)
	}
	ra, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("fetching affected rows failed: %w", err)
	}
	if ra != 1 {
		return ErrNotFound
	}
	return nil
}

// nil slices are stored as NULL, so a failed module reads back unchanged
func marshalRecord(r model.ModuleRecord) (opts, popts, target *string, err error) {
	enc := func(v any, isNil bool) (*string, error) {
		if isNil {
			return nil, nil
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		s := string(b)
		return &s, nil
	}
	if opts, err = enc(r.Options, r.Options == nil); err != nil {
		return
	}
	if popts, err = enc(r.PayloadOptions, r.PayloadOptions == nil); err != nil {
		return
	}
	target, err = enc(r.Target, r.Target == nil)
	return
}

func unmarshalRecord(r *model.ModuleRecord, opts, popts, target *string) error {
	dec := func(s *string, v any) error {
		if s == nil {
			return nil
		}
		return json.Unmarshal([]byte(*s), v)
	}
	return errors.Join(
		dec(opts, &r.Options),
		dec(popts, &r.PayloadOptions),
		dec(target, &r.Target),
	)
}
