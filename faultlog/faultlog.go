// Package faultlog keeps DMA remapping fault reports in a SQLite database.
package faultlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	// registers the sqlite3 driver
	_ "github.com/mattn/go-sqlite3"

	"github.com/c35s/iommu/vtd"
	"github.com/rs/xid"
)

// DB is a vtd.Reporter that writes reports to SQLite. Reports are buffered
// until BatchSize of them are pending or Flush is called.
type DB struct {

	// BatchSize is the number of reports buffered before a write.
	// If BatchSize is less than 2, every report is written immediately.
	BatchSize int

	db *sql.DB

	mu      sync.Mutex
	pending []vtd.FaultReport
}

var (
	ErrOpen  = errors.New("faultlog: open failed")
	ErrWrite = errors.New("faultlog: write failed")
	ErrRead  = errors.New("faultlog: read failed")
)

const schema = `
CREATE TABLE IF NOT EXISTS faults (
	id          TEXT PRIMARY KEY,
	time        INTEGER NOT NULL,
	engine      INTEGER NOT NULL,
	status_code INTEGER NOT NULL,
	fsts        INTEGER NOT NULL,
	fectl       INTEGER NOT NULL,
	regs        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS records (
	fault_id  TEXT NOT NULL REFERENCES faults(id),
	idx       INTEGER NOT NULL,
	lo        INTEGER NOT NULL,
	hi        INTEGER NOT NULL,
	source_id INTEGER NOT NULL,
	reason    INTEGER NOT NULL,
	read      INTEGER NOT NULL,
	addr      INTEGER NOT NULL,
	PRIMARY KEY (fault_id, idx)
);
`

// Open opens or creates the database at path.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOpen, err)
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, errors.Join(fmt.Errorf("%w: %s: %w", ErrOpen, path, err), db.Close())
	}

	return &DB{db: db}, nil
}

// ReportFault buffers r and writes the buffer once it is full.
func (d *DB) ReportFault(ctx context.Context, r vtd.FaultReport) error {
	d.mu.Lock()
	d.pending = append(d.pending, r)
	full := len(d.pending) >= d.BatchSize
	d.mu.Unlock()

	if !full {
		return nil
	}

	return d.Flush(ctx)
}

// Flush writes the buffered reports in a single transaction.
func (d *DB) Flush(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.pending) == 0 {
		return nil
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}

	if err := insert(ctx, tx, d.pending); err != nil {
		return errors.Join(fmt.Errorf("%w: %w", ErrWrite, err), tx.Rollback())
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}

	d.pending = nil

	return nil
}

func insert(ctx context.Context, tx *sql.Tx, reports []vtd.FaultReport) error {
	faultStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO faults (id, time, engine, status_code, fsts, fectl, regs) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}

	defer faultStmt.Close()

	recStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO records (fault_id, idx, lo, hi, source_id, reason, read, addr) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}

	defer recStmt.Close()

	for _, r := range reports {
		regs, err := json.Marshal(r.Regs)
		if err != nil {
			return err
		}

		_, err = faultStmt.ExecContext(ctx,
			r.ID.String(),
			r.Time.UnixNano(),
			r.Engine,
			r.StatusCode,
			r.Status,
			r.EventControl,
			string(regs))

		if err != nil {
			return fmt.Errorf("fault %v: %w", r.ID, err)
		}

		for _, f := range r.Records {
			// the driver rejects uint64s with the high bit set
			_, err := recStmt.ExecContext(ctx,
				r.ID.String(),
				f.Index,
				int64(f.Lo),
				int64(f.Hi),
				f.SourceID(),
				f.Reason(),
				f.Read(),
				int64(f.Addr()))

			if err != nil {
				return fmt.Errorf("fault %v record %d: %w", r.ID, f.Index, err)
			}
		}
	}

	return nil
}

// Reports returns every stored report, oldest first. Buffered reports
// aren't included.
func (d *DB) Reports(ctx context.Context) ([]vtd.FaultReport, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, time, engine, status_code, fsts, fectl, regs FROM faults ORDER BY time, id`)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRead, err)
	}

	defer rows.Close()

	var reports []vtd.FaultReport
	for rows.Next() {
		var (
			id   string
			ns   int64
			regs string
			r    vtd.FaultReport
		)

		if err := rows.Scan(&id, &ns, &r.Engine, &r.StatusCode, &r.Status, &r.EventControl, &regs); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrRead, err)
		}

		if r.ID, err = xid.FromString(id); err != nil {
			return nil, fmt.Errorf("%w: fault id %q: %w", ErrRead, id, err)
		}

		if err := json.Unmarshal([]byte(regs), &r.Regs); err != nil {
			return nil, fmt.Errorf("%w: fault %s regs: %w", ErrRead, id, err)
		}

		r.Time = time.Unix(0, ns)
		reports = append(reports, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRead, err)
	}

	for i := range reports {
		recs, err := d.records(ctx, reports[i].ID)
		if err != nil {
			return nil, err
		}

		reports[i].Records = recs
	}

	return reports, nil
}

func (d *DB) records(ctx context.Context, id xid.ID) ([]vtd.FaultRecord, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT idx, lo, hi FROM records WHERE fault_id = ? ORDER BY idx`, id.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRead, err)
	}

	defer rows.Close()

	var recs []vtd.FaultRecord
	for rows.Next() {
		var (
			f      vtd.FaultRecord
			lo, hi int64
		)

		if err := rows.Scan(&f.Index, &lo, &hi); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrRead, err)
		}

		f.Lo, f.Hi = uint64(lo), uint64(hi)
		recs = append(recs, f)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRead, err)
	}

	return recs, nil
}

// Close flushes buffered reports and closes the database.
func (d *DB) Close() error {
	return errors.Join(d.Flush(context.Background()), d.db.Close())
}
