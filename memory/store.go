// Package memory is the agent's single source of truth. Every job the
// agent has ever seen lives here, together with the append-only trail of
// stage events. All lifecycle writes go through Transition so the job row
// and its audit events commit in one transaction: after a crash the store
// is the authority on what the agent was doing.
package memory

import (
	"database/sql"
	"time"

	"github.com/teranos/RONIN/errors"
	"github.com/teranos/RONIN/job"
)

// Store handles persistence of marketplace jobs and stage events
type Store struct {
	db *sql.DB
}

// NewStore creates a job store backed by an open database
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// dbtx lets the row helpers run against either the pool or a transaction
type dbtx interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

// UpsertFromRaw ingests a scraped listing. New listings are inserted at
// the discovered stage with an audit event; rediscovered listings only get
// their marketplace metadata refreshed, lifecycle state is never touched.
// The returned bool is true when the job was newly created.
func (s *Store) UpsertFromRaw(raw *job.RawJob, now time.Time) (*job.Job, bool, error) {
	fresh, err := job.NewFromRaw(raw, now)
	if err != nil {
		return nil, false, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to begin ingest")
	}
	defer tx.Rollback()

	existing, err := getJob(tx, fresh.ID)
	if err != nil && !errors.IsUnknownJob(err) {
		return nil, false, err
	}

	if existing == nil {
		if err := insertJob(tx, fresh); err != nil {
			return nil, false, err
		}
		ev := job.NewStageEvent(fresh.ID, job.StageDiscovered, job.OutcomeSuccess, "listing ingested", job.ActorAgent)
		if err := insertEvent(tx, ev); err != nil {
			return nil, false, err
		}
		if err := tx.Commit(); err != nil {
			return nil, false, errors.Wrap(err, "failed to commit ingest")
		}
		return fresh, true, nil
	}

	existing.Title = fresh.Title
	existing.Description = fresh.Description
	existing.Budget = fresh.Budget
	existing.Category = fresh.Category
	existing.DurationHours = fresh.DurationHours
	existing.ClientName = fresh.ClientName
	existing.URL = fresh.URL
	existing.PostedAt = fresh.PostedAt
	existing.UpdatedAt = now

	if err := updateJob(tx, existing); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, errors.Wrap(err, "failed to commit ingest")
	}
	return existing, false, nil
}

// GetJob retrieves a job by its marketplace listing id
func (s *Store) GetJob(id string) (*job.Job, error) {
	return getJob(s.db, id)
}

// UpdateJob persists the full job row. Prefer Transition for lifecycle
// changes; this exists for metadata-only edits such as notes.
func (s *Store) UpdateJob(j *job.Job) error {
	return updateJob(s.db, j)
}

// Transition atomically mutates a job and appends its audit events. The
// job is re-read inside the transaction, so the mutation always applies to
// the currently committed state. If mutate returns an error nothing is
// written and the error comes back unwrapped, letting callers classify it.
func (s *Store) Transition(jobID string, mutate func(*job.Job) error, events ...*job.StageEvent) (*job.Job, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transition")
	}
	defer tx.Rollback()

	j, err := getJob(tx, jobID)
	if err != nil {
		return nil, err
	}

	if err := mutate(j); err != nil {
		return nil, err
	}

	if err := updateJob(tx, j); err != nil {
		return nil, err
	}
	for _, ev := range events {
		if err := insertEvent(tx, ev); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit transition")
	}
	return j, nil
}

// AppendEvent writes a single audit event outside any job mutation
func (s *Store) AppendEvent(ev *job.StageEvent) error {
	return insertEvent(s.db, ev)
}

// ListEvents returns a job's audit trail, oldest first
func (s *Store) ListEvents(jobID string, limit int) ([]*job.StageEvent, error) {
	query := `
		SELECT id, job_id, stage, outcome, detail, actor, created_at
		FROM stage_events
		WHERE job_id = ?
		ORDER BY created_at ASC, rowid ASC
		LIMIT ?`

	rows, err := s.db.Query(query, jobID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list stage events")
	}
	defer rows.Close()

	var events []*job.StageEvent
	for rows.Next() {
		var ev job.StageEvent
		var detail sql.NullString
		if err := rows.Scan(&ev.ID, &ev.JobID, &ev.Stage, &ev.Outcome, &detail, &ev.Actor, &ev.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan stage event")
		}
		if detail.Valid {
			ev.Detail = detail.String
		}
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating stage events")
	}
	return events, nil
}

// LastEvent returns a job's most recent audit event, or nil when the job
// has none. Crash recovery uses this to spot attempts that never concluded.
func (s *Store) LastEvent(jobID string) (*job.StageEvent, error) {
	query := `
		SELECT id, job_id, stage, outcome, detail, actor, created_at
		FROM stage_events
		WHERE job_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1`

	var ev job.StageEvent
	var detail sql.NullString
	err := s.db.QueryRow(query, jobID).Scan(&ev.ID, &ev.JobID, &ev.Stage, &ev.Outcome, &detail, &ev.Actor, &ev.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get last stage event")
	}
	if detail.Valid {
		ev.Detail = detail.String
	}
	return &ev, nil
}

// ListJobs returns jobs ordered most recently updated first
func (s *Store) ListJobs(limit int) ([]*job.Job, error) {
	query := `SELECT ` + StandardJobSelectColumns() + `
		FROM jobs
		ORDER BY updated_at DESC
		LIMIT ?`

	rows, err := s.db.Query(query, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	return scanJobs(rows, "jobs")
}

// ListByStage returns jobs at one stage, most recently updated first
func (s *Store) ListByStage(stage job.Stage, limit int) ([]*job.Job, error) {
	query := `SELECT ` + StandardJobSelectColumns() + `
		FROM jobs
		WHERE stage = ?
		ORDER BY updated_at DESC
		LIMIT ?`

	rows, err := s.db.Query(query, stage, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list jobs at stage %s", stage)
	}
	defer rows.Close()

	return scanJobs(rows, "jobs by stage")
}

// ListActionable returns jobs sitting at the given stages whose cooldown
// has expired, least recently touched first so no job starves
func (s *Store) ListActionable(stages []job.Stage, now time.Time, limit int) ([]*job.Job, error) {
	if len(stages) == 0 {
		return nil, nil
	}

	query := `SELECT ` + StandardJobSelectColumns() + `
		FROM jobs
		WHERE stage IN (?` + repeatPlaceholder(len(stages)-1) + `)
		  AND (next_eligible_at IS NULL OR next_eligible_at <= ?)
		ORDER BY updated_at ASC
		LIMIT ?`

	args := make([]interface{}, 0, len(stages)+2)
	for _, st := range stages {
		args = append(args, st)
	}
	args = append(args, now, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list actionable jobs")
	}
	defer rows.Close()

	return scanJobs(rows, "actionable jobs")
}

// ListDeliveredBefore returns delivered jobs whose delivery happened at or
// before the cutoff, for the auto-confirm sweep
func (s *Store) ListDeliveredBefore(cutoff time.Time, limit int) ([]*job.Job, error) {
	query := `SELECT ` + StandardJobSelectColumns() + `
		FROM jobs
		WHERE stage = ?
		  AND delivered_at IS NOT NULL
		  AND delivered_at <= ?
		ORDER BY delivered_at ASC
		LIMIT ?`

	rows, err := s.db.Query(query, job.StageDelivered, cutoff, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list delivered jobs")
	}
	defer rows.Close()

	return scanJobs(rows, "delivered jobs")
}

// ListStuck returns non-terminal jobs untouched for longer than olderThan
func (s *Store) ListStuck(now time.Time, olderThan time.Duration, limit int) ([]*job.Job, error) {
	cutoff := now.Add(-olderThan)

	query := `SELECT ` + StandardJobSelectColumns() + `
		FROM jobs
		WHERE stage NOT IN (?, ?, ?)
		  AND updated_at < ?
		ORDER BY updated_at ASC
		LIMIT ?`

	rows, err := s.db.Query(query, job.StageClosed, job.StageRejected, job.StageFailed, cutoff, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list stuck jobs")
	}
	defer rows.Close()

	return scanJobs(rows, "stuck jobs")
}

// CountByStage returns how many jobs sit at each stage
func (s *Store) CountByStage() (map[job.Stage]int, error) {
	rows, err := s.db.Query(`SELECT stage, COUNT(*) FROM jobs GROUP BY stage`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count jobs by stage")
	}
	defer rows.Close()

	counts := make(map[job.Stage]int)
	for rows.Next() {
		var stage job.Stage
		var n int
		if err := rows.Scan(&stage, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan stage count")
		}
		counts[stage] = n
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating stage counts")
	}
	return counts, nil
}

// CountEventsSince counts audit events of one stage and outcome recorded
// at or after since. The apply quota reads successful applied events here.
func (s *Store) CountEventsSince(stage job.Stage, outcome job.Outcome, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*)
		FROM stage_events
		WHERE stage = ? AND outcome = ? AND created_at >= ?`,
		stage, outcome, since,
	).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count stage events")
	}
	return n, nil
}

// ArchiveTerminal moves the audit events of closed, rejected and failed
// jobs untouched for longer than olderThan into stage_events_archive.
// Job rows are never deleted; the trail just goes cold. Returns the
// number of events moved.
func (s *Store) ArchiveTerminal(olderThan time.Duration) (int, error) {
	now := time.Now()
	cutoff := now.Add(-olderThan)

	tx, err := s.db.Begin()
	if err != nil {
		return 0, errors.Wrap(err, "failed to begin archive transaction")
	}
	defer tx.Rollback()

	result, err := tx.Exec(`
		INSERT INTO stage_events_archive (id, job_id, stage, outcome, detail, actor, created_at, archived_at)
		SELECT e.id, e.job_id, e.stage, e.outcome, e.detail, e.actor, e.created_at, ?
		FROM stage_events e
		JOIN jobs j ON j.id = e.job_id
		WHERE j.stage IN (?, ?, ?)
		  AND j.updated_at < ?`,
		now, job.StageClosed, job.StageRejected, job.StageFailed, cutoff,
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to archive terminal job events")
	}

	moved, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}

	if moved > 0 {
		if _, err := tx.Exec(`
			DELETE FROM stage_events
			WHERE id IN (SELECT id FROM stage_events_archive)`,
		); err != nil {
			return 0, errors.Wrap(err, "failed to trim archived events")
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "failed to commit archive transaction")
	}
	return int(moved), nil
}

// getJob retrieves one job from the pool or an open transaction
func getJob(q dbtx, id string) (*job.Job, error) {
	query := `SELECT ` + StandardJobSelectColumns() + ` FROM jobs WHERE id = ?`

	var j job.Job
	args := &JobScanArgs{}
	targets := GetJobScanTargets(&j, args)

	err := q.QueryRow(query, id).Scan(targets...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewUnknownJob(id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get job")
	}

	if err := ProcessJobScanArgs(&j, args); err != nil {
		return nil, err
	}
	return &j, nil
}

func insertJob(q dbtx, j *job.Job) error {
	reasons, err := marshalReasons(j.MatchReasons)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO jobs (
			id, title, description, budget, category, duration_hours,
			client_name, url, posted_at, stage, score, match_reasons,
			attempt_count, last_error, last_action_at, next_eligible_at,
			delivered_at, notes, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = q.Exec(query,
		j.ID,
		j.Title,
		j.Description,
		j.Budget,
		j.Category,
		j.DurationHours,
		j.ClientName,
		j.URL,
		nullTime(j.PostedAt),
		j.Stage,
		j.Score,
		reasons,
		j.AttemptCount,
		nullString(j.LastError),
		nullTime(j.LastActionAt),
		nullTime(j.NextEligibleAt),
		nullTime(j.DeliveredAt),
		nullString(j.Notes),
		j.CreatedAt,
		j.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to insert job")
	}
	return nil
}

func updateJob(q dbtx, j *job.Job) error {
	reasons, err := marshalReasons(j.MatchReasons)
	if err != nil {
		return err
	}

	query := `
		UPDATE jobs
		SET title = ?,
		    description = ?,
		    budget = ?,
		    category = ?,
		    duration_hours = ?,
		    client_name = ?,
		    url = ?,
		    posted_at = ?,
		    stage = ?,
		    score = ?,
		    match_reasons = ?,
		    attempt_count = ?,
		    last_error = ?,
		    last_action_at = ?,
		    next_eligible_at = ?,
		    delivered_at = ?,
		    notes = ?,
		    updated_at = ?
		WHERE id = ?
	`

	result, err := q.Exec(query,
		j.Title,
		j.Description,
		j.Budget,
		j.Category,
		j.DurationHours,
		j.ClientName,
		j.URL,
		nullTime(j.PostedAt),
		j.Stage,
		j.Score,
		reasons,
		j.AttemptCount,
		nullString(j.LastError),
		nullTime(j.LastActionAt),
		nullTime(j.NextEligibleAt),
		nullTime(j.DeliveredAt),
		nullString(j.Notes),
		j.UpdatedAt,
		j.ID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update job")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.NewUnknownJob(j.ID)
	}
	return nil
}

func insertEvent(q dbtx, ev *job.StageEvent) error {
	_, err := q.Exec(`
		INSERT INTO stage_events (id, job_id, stage, outcome, detail, actor, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID,
		ev.JobID,
		ev.Stage,
		ev.Outcome,
		nullString(ev.Detail),
		ev.Actor,
		ev.CreatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to insert stage event")
	}
	return nil
}

// scanJobs is a helper that scans multiple jobs from query rows
func scanJobs(rows *sql.Rows, context string) ([]*job.Job, error) {
	var jobs []*job.Job
	for rows.Next() {
		var j job.Job
		if err := ScanJobFromRows(rows, &j); err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, &j)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "error iterating %s", context)
	}
	return jobs, nil
}

func repeatPlaceholder(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ", ?"
	}
	return out
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
