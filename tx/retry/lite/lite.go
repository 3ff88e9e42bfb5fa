// Package lite keeps the retry backlog in sqlite so that it survives a restart.
package lite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	sgo "github.com/gagliardetto/solana-go"
	jsoniter "github.com/json-iterator/go"
	_ "github.com/mattn/go-sqlite3"
	"github.com/solpipe/delivery/tx"
	"github.com/solpipe/delivery/tx/retry"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type external struct {
	ctx context.Context
	db  *sql.DB
}

// Create opens (and if needed initializes) the backlog at filePath.
func Create(ctx context.Context, filePath string) (retry.Store, error) {
	db, err := sql.Open("sqlite3", filePath)
	if err != nil {
		return nil, err
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)
	e1 := external{ctx: ctx, db: db}
	err = e1.initialize()
	if err != nil {
		db.Close()
		return nil, err
	}
	return e1, nil
}

const SQL_RETRY_CREATE string = `
CREATE TABLE IF NOT EXISTS "retry"
(
    job character varying(64) NOT NULL,
    next_at bigint NOT NULL,
    in_flight integer NOT NULL DEFAULT 0,
    attempts integer NOT NULL,
    body blob NOT NULL,
    CONSTRAINT retry_pkey PRIMARY KEY (job)
);

CREATE INDEX IF NOT EXISTS retry_next_idx
    ON "retry"
    (next_at ASC);
`

func (e1 external) initialize() error {
	_, err := e1.db.ExecContext(e1.ctx, SQL_RETRY_CREATE)
	return err
}

func (e1 external) tx(cb func(*sql.Tx) error) error {
	t, err := e1.db.BeginTx(e1.ctx, nil)
	if err != nil {
		return err
	}
	err = cb(t)
	if err != nil {
		t.Rollback()
		return err
	}
	err = t.Commit()
	if err != nil {
		t.Rollback()
		return err
	}
	return nil
}

const SQL_RETRY_UPSERT string = `
INSERT INTO "retry" (job, next_at, in_flight, attempts, body) VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (job) DO UPDATE SET
    next_at = excluded.next_at,
    in_flight = excluded.in_flight,
    attempts = excluded.attempts,
    body = excluded.body
`

func (e1 external) Put(entry tx.RetryEntry) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	inFlight := 0
	if entry.InFlight {
		inFlight = 1
	}
	return e1.tx(func(t *sql.Tx) error {
		_, err := t.ExecContext(e1.ctx, SQL_RETRY_UPSERT,
			entry.JobId().String(),
			entry.NextAt.UnixNano(),
			inFlight,
			entry.Attempts,
			body,
		)
		return err
	})
}

func decode(body []byte) (tx.RetryEntry, error) {
	var entry tx.RetryEntry
	err := json.Unmarshal(body, &entry)
	return entry, err
}

func (e1 external) Get(job sgo.PublicKey) (tx.RetryEntry, error) {
	var body []byte
	err := e1.db.QueryRowContext(e1.ctx, `SELECT body FROM "retry" WHERE job = $1`, job.String()).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return tx.RetryEntry{}, retry.ErrNotFound
	}
	if err != nil {
		return tx.RetryEntry{}, err
	}
	return decode(body)
}

func (e1 external) Delete(job sgo.PublicKey) error {
	_, err := e1.db.ExecContext(e1.ctx, `DELETE FROM "retry" WHERE job = $1`, job.String())
	return err
}

func (e1 external) Due(now time.Time) ([]tx.RetryEntry, error) {
	rows, err := e1.db.QueryContext(e1.ctx,
		`SELECT body FROM "retry" WHERE in_flight = 0 AND next_at <= $1 ORDER BY next_at ASC`,
		now.UnixNano(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ans := make([]tx.RetryEntry, 0)
	for rows.Next() {
		var body []byte
		if err = rows.Scan(&body); err != nil {
			return nil, err
		}
		entry, err := decode(body)
		if err != nil {
			return nil, err
		}
		ans = append(ans, entry)
	}
	return ans, rows.Err()
}

func (e1 external) Len() (int, error) {
	var n int
	err := e1.db.QueryRowContext(e1.ctx, `SELECT COUNT(*) FROM "retry"`).Scan(&n)
	return n, err
}

// Recover also rewrites the json body so the flag agrees with the column.
func (e1 external) Recover() error {
	return e1.tx(func(t *sql.Tx) error {
		rows, err := t.QueryContext(e1.ctx, `SELECT body FROM "retry" WHERE in_flight = 1`)
		if err != nil {
			return err
		}
		list := make([]tx.RetryEntry, 0)
		for rows.Next() {
			var body []byte
			if err = rows.Scan(&body); err != nil {
				rows.Close()
				return err
			}
			entry, err := decode(body)
			if err != nil {
				rows.Close()
				return err
			}
			list = append(list, entry)
		}
		rows.Close()
		for _, entry := range list {
			entry.InFlight = false
			body, err := json.Marshal(entry)
			if err != nil {
				return err
			}
			_, err = t.ExecContext(e1.ctx,
				`UPDATE "retry" SET in_flight = 0, body = $1 WHERE job = $2`,
				body, entry.JobId().String(),
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (e1 external) Close() error {
	return e1.db.Close()
}
