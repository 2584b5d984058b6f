package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"parity/internal/domain"
	"parity/internal/events"
	"parity/internal/store"
)

// timeLayout is fixed width so started_at sorts lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Repo is the SQLite document store.
type Repo struct {
	DB     *sql.DB
	Events events.Writer
	Now    func() time.Time
}

var _ store.Store = Repo{}

// ErrNotFound aliases the store sentinel so callers can match either.
var ErrNotFound = store.ErrNotFound

func New(db *sql.DB) Repo {
	return Repo{DB: db, Events: events.Writer{DB: db}, Now: time.Now}
}

func (r Repo) now() string {
	if r.Now == nil {
		return time.Now().UTC().Format(timeLayout)
	}
	return r.Now().UTC().Format(timeLayout)
}

func (r Repo) Close() error {
	return r.DB.Close()
}

func (r Repo) SaveUser(ctx context.Context, u domain.User) error {
	body, err := json.Marshal(u)
	if err != nil {
		return errors.Wrap(err, "marshal user")
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO users(id,body,updated_at) VALUES (?,?,?)
ON CONFLICT(id) DO UPDATE SET body=excluded.body, updated_at=excluded.updated_at`, u.UserID, string(body), r.now())
	return errors.Wrapf(err, "save user %s", u.UserID)
}

func (r Repo) GetUser(ctx context.Context, userID string) (domain.User, error) {
	var u domain.User
	if err := r.getDocument(ctx, `SELECT body FROM users WHERE id=?`, userID, &u); err != nil {
		return domain.User{}, errors.Wrapf(err, "user %s", userID)
	}
	return u, nil
}

func (r Repo) SaveConfig(ctx context.Context, name string, doc any) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrapf(err, "marshal config %s", name)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO configs(name,body,updated_at) VALUES (?,?,?)
ON CONFLICT(name) DO UPDATE SET body=excluded.body, updated_at=excluded.updated_at`, name, string(body), r.now())
	return errors.Wrapf(err, "save config %s", name)
}

func (r Repo) LoadConfig(ctx context.Context, name string, out any) error {
	if err := r.getDocument(ctx, `SELECT body FROM configs WHERE name=?`, name, out); err != nil {
		return errors.Wrapf(err, "config %s", name)
	}
	return nil
}

func (r Repo) SaveTestResult(ctx context.Context, doc domain.TestResult) error {
	if doc.RunID == "" {
		return errors.New("test result run_id is required")
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrapf(err, "marshal test result %s", doc.RunID)
	}
	meta := doc.TestMetadata
	_, err = r.DB.ExecContext(ctx, `INSERT INTO test_results(run_id,owner_id,status,started_at,body,updated_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(run_id) DO UPDATE SET owner_id=excluded.owner_id, status=excluded.status, started_at=excluded.started_at,
body=excluded.body, updated_at=excluded.updated_at`,
		doc.RunID, meta.OwnerID, meta.Status, meta.StartedAt.UTC().Format(timeLayout), string(body), r.now())
	return errors.Wrapf(err, "save test result %s", doc.RunID)
}

func (r Repo) GetTestResult(ctx context.Context, runID string) (domain.TestResult, error) {
	var doc domain.TestResult
	if err := r.getDocument(ctx, `SELECT body FROM test_results WHERE run_id=?`, runID, &doc); err != nil {
		return domain.TestResult{}, errors.Wrapf(err, "test result %s", runID)
	}
	return doc, nil
}

func (r Repo) ListTestResults(ctx context.Context, filter store.ResultFilter) ([]domain.TestResult, error) {
	var (
		where []string
		args  []any
	)
	if filter.OwnerID != "" {
		where = append(where, "owner_id=?")
		args = append(args, filter.OwnerID)
	}
	if filter.Status != "" {
		where = append(where, "status=?")
		args = append(args, filter.Status)
	}
	q := `SELECT body FROM test_results`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY started_at DESC, run_id DESC`
	if filter.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list test results")
	}
	defer rows.Close()
	res := []domain.TestResult{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var doc domain.TestResult
		if err := json.Unmarshal([]byte(body), &doc); err != nil {
			return nil, errors.Wrap(err, "decode test result")
		}
		res = append(res, doc)
	}
	return res, rows.Err()
}

func (r Repo) AppendEvent(ctx context.Context, evt domain.RunEvent) (domain.RunEvent, error) {
	w := r.Events
	if w.DB == nil {
		w.DB = r.DB
	}
	if w.Now == nil {
		w.Now = r.Now
	}
	return w.Append(ctx, evt)
}

func (r Repo) ListEvents(ctx context.Context, runID string) ([]domain.RunEvent, error) {
	return r.queryEvents(ctx, `SELECT id,ts,type,run_id,COALESCE(plan_id,''),payload_json FROM events WHERE run_id=? ORDER BY id`, runID)
}

func (r Repo) EventsAfter(ctx context.Context, afterID int64, limit int) ([]domain.RunEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEvents(ctx, `SELECT id,ts,type,run_id,COALESCE(plan_id,''),payload_json FROM events WHERE id>? ORDER BY id LIMIT ?`, afterID, limit)
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func (r Repo) queryEvents(ctx context.Context, q string, args ...any) ([]domain.RunEvent, error) {
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query events")
	}
	defer rows.Close()
	res := []domain.RunEvent{}
	for rows.Next() {
		var (
			evt     domain.RunEvent
			ts      string
			payload string
		)
		if err := rows.Scan(&evt.ID, &ts, &evt.Type, &evt.RunID, &evt.PlanID, &payload); err != nil {
			return nil, err
		}
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, errors.Wrapf(err, "decode event %d time", evt.ID)
		}
		evt.TS = parsed
		if payload != "" {
			if err := json.Unmarshal([]byte(payload), &evt.Payload); err != nil {
				return nil, errors.Wrapf(err, "decode event %d payload", evt.ID)
			}
		}
		res = append(res, evt)
	}
	return res, rows.Err()
}

func (r Repo) getDocument(ctx context.Context, q, key string, out any) error {
	var body string
	err := r.DB.QueryRowContext(ctx, q, key).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(body), out)
}
