package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"cipherpool/core/events"
)

// Recent serves List from an in-memory recorder for nodes running without an
// event database. Only the events the recorder still retains are visible.
type Recent struct {
	rec *events.Recorder
}

// NewRecent wraps rec.
func NewRecent(rec *events.Recorder) *Recent {
	return &Recent{rec: rec}
}

// List applies filter with the same semantics as Log.List.
func (r *Recent) List(ctx context.Context, filter Filter) ([]Record, error) {
	if r == nil || r.rec == nil {
		return nil, fmt.Errorf("eventlog: not configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = defaultListLimit
	}
	eventType := strings.TrimSpace(filter.Type)
	pool := strings.TrimSpace(filter.Pool)
	out := make([]Record, 0, limit)
	for _, entry := range r.rec.Since(filter.AfterSeq) {
		if len(out) == limit {
			break
		}
		if eventType != "" && entry.Event.Type != eventType {
			continue
		}
		if pool != "" && entry.Event.Attributes["pool"] != pool {
			continue
		}
		raw, err := json.Marshal(entry.Event.Attributes)
		if err != nil {
			return nil, fmt.Errorf("eventlog: encode attributes: %w", err)
		}
		out = append(out, Record{
			Seq:        entry.Seq,
			EventID:    entry.ID,
			Type:       entry.Event.Type,
			Pool:       entry.Event.Attributes["pool"],
			Attributes: string(raw),
			RecordedAt: entry.At,
		})
	}
	return out, nil
}
