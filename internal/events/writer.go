package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"

	"parity/internal/domain"
)

// Event types appended by the run coordinator.
const (
	RunStarted    = "run.started"
	PlanCompleted = "plan.completed"
	PlanFailed    = "plan.failed"
	RunCompleted  = "run.completed"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append inserts evt into the events table and returns it with its id and timestamp set.
func (w Writer) Append(ctx context.Context, evt domain.RunEvent) (domain.RunEvent, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	if evt.TS.IsZero() {
		evt.TS = w.Now().UTC()
	}
	payload := evt.Payload
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return evt, errors.Wrap(err, "marshal event payload")
	}
	res, err := w.DB.ExecContext(ctx, `INSERT INTO events(ts,type,run_id,plan_id,payload_json) VALUES (?,?,?,?,?)`,
		evt.TS.Format(time.RFC3339Nano), evt.Type, evt.RunID, nullable(evt.PlanID), string(data))
	if err != nil {
		return evt, errors.Wrap(err, "insert event")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return evt, err
	}
	evt.ID = id
	return evt, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
