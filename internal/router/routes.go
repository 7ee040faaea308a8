package router

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/lucas-bruzzone/sistema-rural-demo/internal/notify"
)

func propertyChanged(event, verb string) Builder {
	return func(e Event, now time.Time, logger *zap.Logger) (Routed, error) {
		d := gjson.ParseBytes(e.Detail)
		id := d.Get("propertyId").String()
		if id == "" {
			return Routed{}, notify.Errorf(notify.KindBadRequest, "router.property", "detail has no propertyId")
		}
		name := d.Get("propertyName").String()
		if name == "" {
			name = "unnamed"
		}

		topic := PropertyTopic(id)
		msg := notify.Message{
			Type:       notify.TypePropertyNotification,
			Event:      event,
			Topic:      topic,
			PropertyID: id,
			Message:    fmt.Sprintf("%s: %s", verb, name),
			Data:       e.Detail,
			Timestamp:  now,
		}
		return Routed{Message: msg, Addressing: owner(d, e, logger).ToTopic(topic)}, nil
	}
}

func analysisCompleted(e Event, now time.Time, logger *zap.Logger) (Routed, error) {
	d := gjson.ParseBytes(e.Detail)
	id := d.Get("propertyId").String()
	if id == "" {
		return Routed{}, notify.Errorf(notify.KindBadRequest, "router.analysis", "detail has no propertyId")
	}

	var data json.RawMessage
	if a := d.Get("analysisData"); a.Exists() && a.IsObject() {
		data = json.RawMessage(a.Raw)
	} else {
		data, _ = json.Marshal(map[string]string{
			"propertyId": id,
			"status":     "completed",
		})
	}

	msg := notify.Message{
		Type:       notify.TypeAnalysisNotification,
		Event:      notify.EventCompleted,
		PropertyID: id,
		Message:    fmt.Sprintf("Analysis for property %s completed", id),
		Data:       data,
		Timestamp:  now,
	}
	addr := owner(d, e, logger).ToTopic(TopicAnalysisCompleted).ToTopic(PropertyAnalysisTopic(id))
	return Routed{Message: msg, Addressing: addr}, nil
}

func topicNotification(typ string) Builder {
	return func(e Event, now time.Time, logger *zap.Logger) (Routed, error) {
		d := gjson.ParseBytes(e.Detail)
		topic := d.Get("topic").String()
		if topic == "" {
			return Routed{}, notify.Errorf(notify.KindBadRequest, "router.topic", "detail has no topic")
		}
		msg := notify.Message{
			Type:      typ,
			Topic:     topic,
			Message:   d.Get("message").String(),
			Data:      rawField(d, "data"),
			Timestamp: now,
		}
		return Routed{Message: msg, Addressing: owner(d, e, logger).ToTopic(topic)}, nil
	}
}

func broadcast(e Event, now time.Time, _ *zap.Logger) (Routed, error) {
	d := gjson.ParseBytes(e.Detail)
	text := d.Get("message").String()
	if text == "" {
		return Routed{}, notify.Errorf(notify.KindBadRequest, "router.broadcast", "detail has no message")
	}
	msg := notify.Message{
		Type:      notify.TypeNotification,
		Topic:     d.Get("topic").String(),
		Message:   text,
		Data:      rawField(d, "data"),
		Timestamp: now,
	}
	return Routed{Message: msg, Addressing: notify.Addressing{Broadcast: true}}, nil
}

// owner addresses the owning user when the event names one. Without it the
// audience narrows to topic subscribers only.
func owner(d gjson.Result, e Event, logger *zap.Logger) notify.Addressing {
	userID := d.Get("userId").String()
	if userID == "" {
		logger.Warn("event has no owning user, addressing topics only",
			zap.String("event_id", e.ID),
			zap.String("source", e.Source),
			zap.String("detail_type", e.DetailType),
		)
		return notify.Addressing{}
	}
	return notify.Addressing{}.ToUser(userID)
}

func rawField(d gjson.Result, path string) json.RawMessage {
	v := d.Get(path)
	if !v.Exists() {
		return nil
	}
	return json.RawMessage(v.Raw)
}
