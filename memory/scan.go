package memory

import (
	"database/sql"
	"encoding/json"

	"github.com/teranos/RONIN/errors"
	"github.com/teranos/RONIN/job"
)

// JobScanArgs holds the nullable column targets for scanning a job row.
// Required text columns (title, description, category, client_name, url)
// scan straight into the struct; only genuinely optional columns go
// through the Null types.
type JobScanArgs struct {
	PostedAt       sql.NullTime
	MatchReasons   sql.NullString
	LastError      sql.NullString
	LastActionAt   sql.NullTime
	NextEligibleAt sql.NullTime
	DeliveredAt    sql.NullTime
	Notes          sql.NullString
}

// GetJobScanTargets returns scan destinations for the job and its nullable
// columns, in the order of StandardJobSelectColumns
func GetJobScanTargets(j *job.Job, args *JobScanArgs) []interface{} {
	return []interface{}{
		&j.ID,
		&j.Title,
		&j.Description,
		&j.Budget,
		&j.Category,
		&j.DurationHours,
		&j.ClientName,
		&j.URL,
		&args.PostedAt,
		&j.Stage,
		&j.Score,
		&args.MatchReasons,
		&j.AttemptCount,
		&args.LastError,
		&args.LastActionAt,
		&args.NextEligibleAt,
		&args.DeliveredAt,
		&args.Notes,
		&j.CreatedAt,
		&j.UpdatedAt,
	}
}

// ProcessJobScanArgs copies the nullable columns into the job struct
func ProcessJobScanArgs(j *job.Job, args *JobScanArgs) error {
	if args.PostedAt.Valid {
		j.PostedAt = &args.PostedAt.Time
	}
	if args.MatchReasons.Valid && args.MatchReasons.String != "" {
		var reasons []string
		if err := json.Unmarshal([]byte(args.MatchReasons.String), &reasons); err != nil {
			return errors.Wrapf(err, "failed to unmarshal match reasons for job %s", j.ID)
		}
		j.MatchReasons = reasons
	}
	if args.LastError.Valid {
		j.LastError = args.LastError.String
	}
	if args.LastActionAt.Valid {
		j.LastActionAt = &args.LastActionAt.Time
	}
	if args.NextEligibleAt.Valid {
		j.NextEligibleAt = &args.NextEligibleAt.Time
	}
	if args.DeliveredAt.Valid {
		j.DeliveredAt = &args.DeliveredAt.Time
	}
	if args.Notes.Valid {
		j.Notes = args.Notes.String
	}
	return nil
}

// ScanJobFromRows scans a single job from sql.Rows (for use in loops)
func ScanJobFromRows(rows *sql.Rows, j *job.Job) error {
	args := &JobScanArgs{}
	targets := GetJobScanTargets(j, args)

	if err := rows.Scan(targets...); err != nil {
		return err
	}

	return ProcessJobScanArgs(j, args)
}

// StandardJobSelectColumns returns the column list for job SELECT queries
func StandardJobSelectColumns() string {
	return `id, title, description, budget, category, duration_hours,
		client_name, url, posted_at, stage, score, match_reasons,
		attempt_count, last_error, last_action_at, next_eligible_at,
		delivered_at, notes, created_at, updated_at`
}

// marshalReasons encodes match reasons for the match_reasons TEXT column
func marshalReasons(reasons []string) (sql.NullString, error) {
	if len(reasons) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(reasons)
	if err != nil {
		return sql.NullString{}, errors.Wrap(err, "failed to marshal match reasons")
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
