package router

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event sources.
const (
	SourceProperty = "property.service"
	SourceAnalysis = "geospatial.analysis"
	SourceDirect   = "notifier.direct"
	SourceAdmin    = "notifier.admin"
)

// Detail types.
const (
	DetailPropertyCreated      = "Property Created"
	DetailPropertyUpdated      = "Property Updated"
	DetailAnalysisCompleted    = "Analysis Completed"
	DetailTopicNotification    = "Topic Notification"
	DetailPropertyNotification = "Property Notification"
	DetailBroadcast            = "Broadcast"
)

// TopicAnalysisCompleted receives every completed analysis a connection is
// allowed to see.
const TopicAnalysisCompleted = "analysis.completed"

// PropertyTopic is the topic scoped to one property.
func PropertyTopic(propertyID string) string {
	return "property." + propertyID
}

// PropertyAnalysisTopic is the topic for analysis results of one property.
func PropertyAnalysisTopic(propertyID string) string {
	return "property." + propertyID + ".analysis"
}

// Event is a domain event envelope as published on the platform bus.
type Event struct {
	ID         string          `json:"id,omitempty"`
	Source     string          `json:"source"`
	DetailType string          `json:"detail-type"`
	Detail     json.RawMessage `json:"detail"`
	Time       time.Time       `json:"time,omitzero"`
}

// NewEvent builds an event with a generated id, marshalling detail.
func NewEvent(source, detailType string, detail any) (Event, error) {
	raw, err := json.Marshal(detail)
	if err != nil {
		return Event{}, fmt.Errorf("marshalling detail: %w", err)
	}
	return Event{
		ID:         uuid.New().String(),
		Source:     source,
		DetailType: detailType,
		Detail:     raw,
		Time:       time.Now().UTC(),
	}, nil
}

// Key returns the route key of the event.
func (e Event) Key() Key {
	return Key{Source: e.Source, DetailType: e.DetailType}
}
