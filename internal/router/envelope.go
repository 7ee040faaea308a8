package router

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"github.com/lucas-bruzzone/sistema-rural-demo/internal/notify"
)

// Legacy direct-invocation shapes, identified by eventType.
const (
	legacyAnalysisCompleted    = "analysis_completed"
	legacyPropertyNotification = "property_notification"
)

// ParseEvents unwraps every envelope shape the bus delivers:
//
//   - a single {source, detail-type, detail} envelope
//   - a JSON array of envelopes
//   - a batch {"Records": [...]}, where queue records (eventSource
//     "aws:sqs") carry the envelope as a JSON string in body and any other
//     record is an envelope itself
//   - the legacy direct shapes keyed by eventType
//
// A bad record produces an error for that record only; the remaining
// records are still returned.
func ParseEvents(raw []byte) ([]Event, []error) {
	if !gjson.ValidBytes(raw) {
		return nil, []error{notify.Errorf(notify.KindBadRequest, "router.parse", "payload is not valid JSON")}
	}
	root := gjson.ParseBytes(raw)

	var items []gjson.Result
	switch {
	case root.IsArray():
		items = root.Array()
	case root.Get("Records").IsArray():
		items = root.Get("Records").Array()
	default:
		e, err := parseEnvelope(root)
		if err != nil {
			return nil, []error{err}
		}
		return []Event{e}, nil
	}

	var (
		events []Event
		errs   []error
	)
	for i, item := range items {
		if item.Get("eventSource").String() == "aws:sqs" {
			body := item.Get("body").String()
			if !gjson.Valid(body) {
				errs = append(errs, fmt.Errorf("record %d: %w", i,
					notify.Errorf(notify.KindBadRequest, "router.parse", "queue record body is not valid JSON")))
				continue
			}
			item = gjson.Parse(body)
		}
		e, err := parseEnvelope(item)
		if err != nil {
			errs = append(errs, fmt.Errorf("record %d: %w", i, err))
			continue
		}
		events = append(events, e)
	}
	return events, errs
}

func parseEnvelope(r gjson.Result) (Event, error) {
	if !r.IsObject() {
		return Event{}, notify.Errorf(notify.KindBadRequest, "router.parse", "envelope is not an object")
	}
	if t := r.Get("eventType"); t.Exists() {
		return parseLegacy(r, t.String())
	}

	e := Event{
		ID:         r.Get("id").String(),
		Source:     r.Get("source").String(),
		DetailType: r.Get("detail-type").String(),
	}
	if e.Source == "" || e.DetailType == "" {
		return Event{}, notify.Errorf(notify.KindBadRequest, "router.parse", "envelope needs source and detail-type")
	}
	switch d := r.Get("detail"); {
	case !d.Exists():
		e.Detail = json.RawMessage("{}")
	case d.IsObject():
		e.Detail = json.RawMessage(d.Raw)
	default:
		return Event{}, notify.Errorf(notify.KindBadRequest, "router.parse", "detail is not an object")
	}
	if ts, err := time.Parse(time.RFC3339, r.Get("time").String()); err == nil {
		e.Time = ts
	}
	return e, nil
}

// parseLegacy maps the direct shapes onto regular routes. The object itself
// already carries the fields the route reads, so it becomes the detail.
func parseLegacy(r gjson.Result, eventType string) (Event, error) {
	e := Event{Detail: json.RawMessage(r.Raw)}
	switch eventType {
	case legacyAnalysisCompleted:
		e.Source, e.DetailType = SourceAnalysis, DetailAnalysisCompleted
	case legacyPropertyNotification:
		e.Source, e.DetailType = SourceDirect, DetailPropertyNotification
	default:
		return Event{}, notify.Errorf(notify.KindUnrecognized, "router.parse", "unknown eventType %q", eventType)
	}
	return e, nil
}
