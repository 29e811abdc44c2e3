package store

import (
	"context"
	"fmt"
)

const jobColumns = `id, action, thread, foreign_id, chat_id, param, added_at, desired_at, tries,
	bad_addr_tries, dedup_key, last_error`

// InsertJob stores j unless a job with the same dedup key exists. It
// reports whether a row was inserted and fills j.ID on insert.
func (q *Queries) InsertJob(ctx context.Context, j *Job) (bool, error) {
	if j.DedupKey == "" {
		return false, fmt.Errorf("insert job: empty dedup key")
	}
	if j.AddedAt == 0 {
		j.AddedAt = nowMillis()
	}
	if j.Thread == 0 {
		j.Thread = j.Action.Thread()
	}
	res, err := q.x.ExecContext(ctx, `
		INSERT INTO jobs (action, thread, foreign_id, chat_id, param, added_at, desired_at,
			tries, bad_addr_tries, dedup_key, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(dedup_key) DO NOTHING`,
		j.Action, j.Thread, j.ForeignID, j.ChatID, j.Param, j.AddedAt, j.DesiredAt,
		j.Tries, j.BadAddrTries, j.DedupKey, j.LastError)
	if err != nil {
		return false, fmt.Errorf("insert job %q: %w", j.DedupKey, err)
	}
	n, err := res.RowsAffected()
	if err != nil || n == 0 {
		return false, err
	}
	j.ID, err = res.LastInsertId()
	return true, err
}

// JobByID returns a job or nil.
func (q *Queries) JobByID(ctx context.Context, id int64) (*Job, error) {
	return getOne[Job](ctx, q.x, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
}

// JobsForThread returns all jobs of a thread in submission order.
func (q *Queries) JobsForThread(ctx context.Context, t Thread) ([]Job, error) {
	var jobs []Job
	err := sqlxSelect(ctx, q.x, &jobs, `SELECT `+jobColumns+` FROM jobs WHERE thread = ? ORDER BY id`, t)
	return jobs, err
}

// NextJobDue returns the earliest desired_at among jobs of t, or 0 when none.
func (q *Queries) NextJobDue(ctx context.Context, t Thread) (int64, bool, error) {
	var row struct {
		N   int   `db:"n"`
		Min int64 `db:"min_desired"`
	}
	err := sqlxGet(ctx, q.x, &row,
		`SELECT COUNT(*) AS n, COALESCE(MIN(desired_at), 0) AS min_desired FROM jobs WHERE thread = ?`, t)
	return row.Min, row.N > 0, err
}

// UpdateJob stores the retry bookkeeping of j.
func (q *Queries) UpdateJob(ctx context.Context, j *Job) error {
	_, err := q.x.ExecContext(ctx, `
		UPDATE jobs SET param = ?, desired_at = ?, tries = ?, bad_addr_tries = ?, last_error = ?
		WHERE id = ?`, j.Param, j.DesiredAt, j.Tries, j.BadAddrTries, j.LastError, j.ID)
	return err
}

// DeleteJob removes a finished job.
func (q *Queries) DeleteJob(ctx context.Context, id int64) error {
	_, err := q.x.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	return err
}

// JobCount returns the number of queued jobs.
func (q *Queries) JobCount(ctx context.Context) (int64, error) {
	var n int64
	err := sqlxGet(ctx, q.x, &n, `SELECT COUNT(*) FROM jobs`)
	return n, err
}
