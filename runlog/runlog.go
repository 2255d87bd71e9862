// Package runlog archives per-step propagation snapshots in a sqlite
// database.
package runlog

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/fumin/tmps"
)

const (
	tableStep = "step"
)

// A Log records the per-step snapshots of one propagation run.
type Log struct {
	Path string
	// RunID identifies the propagation run within the database.
	RunID string

	db *sql.DB
}

// Open opens or creates the database at dbPath and starts a new run.
func Open(dbPath string) (*Log, error) {
	l := &Log{Path: dbPath, RunID: uuid.NewString()}
	var err error
	l.db, err = newDB(dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	return l, nil
}

func (l *Log) Close() error {
	return l.db.Close()
}

// Append records the snapshot of one completed step.
func (l *Log) Append(step int, t float64, info tmps.Info) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	ranks := make([]string, 0, len(info.Ranks))
	for _, r := range info.Ranks {
		ranks = append(ranks, strconv.Itoa(r))
	}
	sqlStr := fmt.Sprintf(`INSERT OR REPLACE INTO %s (run, stepno, t, overlap, last_overlap, trotter_error, size, ranks) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, tableStep)
	args := []any{l.RunID, step, t, info.Overlap, info.LastOverlap, info.TrotterError, info.Size, strings.Join(ranks, ",")}
	if _, err := l.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return errors.Wrap(err, fmt.Sprintf("%s %#v", sqlStr, args))
	}
	return nil
}

// An Entry is one recorded step.
type Entry struct {
	Step         int
	T            float64
	Overlap      float64
	LastOverlap  float64
	TrotterError float64
	Size         int
	Ranks        []int
}

// Entries reads back the snapshots of the current run in step order.
func (l *Log) Entries() ([]Entry, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 48*time.Hour)
	defer cancel()
	sqlStr := fmt.Sprintf(`SELECT stepno, t, overlap, last_overlap, trotter_error, size, ranks FROM %s WHERE run=? ORDER BY stepno`, tableStep)
	rows, err := l.db.QueryContext(ctx, sqlStr, l.RunID)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	defer rows.Close()

	entries := make([]Entry, 0)
	for rows.Next() {
		var e Entry
		var ranks string
		if err := rows.Scan(&e.Step, &e.T, &e.Overlap, &e.LastOverlap, &e.TrotterError, &e.Size, &ranks); err != nil {
			return nil, errors.Wrap(err, "")
		}
		if ranks != "" {
			for _, s := range strings.Split(ranks, ",") {
				r, err := strconv.Atoi(s)
				if err != nil {
					return nil, errors.Wrap(err, ranks)
				}
				e.Ranks = append(e.Ranks, r)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "")
	}

	return entries, nil
}

func newDB(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", dbPath))
	if err != nil {
		return nil, errors.Wrap(err, "")
	}

	if err := prepareDB(db); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "")
	}

	return db, nil
}

func prepareDB(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	sqlStr := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (run TEXT, stepno INTEGER, t REAL, overlap REAL, last_overlap REAL, trotter_error REAL, size INTEGER, ranks TEXT, PRIMARY KEY (run, stepno)) STRICT`, tableStep)
	if _, err := db.ExecContext(ctx, sqlStr); err != nil {
		return errors.Wrap(err, "")
	}
	return nil
}
