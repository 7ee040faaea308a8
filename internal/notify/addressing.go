package notify

import "slices"

// Addressing describes who should receive a message: a union of specific
// users, specific topics and, for administrative messages, everyone.
// It never names connections; resolving it is the delivery engine's job.
type Addressing struct {
	UserIDs   []string `json:"userIds,omitempty"`
	Topics    []string `json:"topics,omitempty"`
	Broadcast bool     `json:"broadcast,omitempty"`
}

// ToUser adds a user to the addressing. Empty ids are ignored.
func (a Addressing) ToUser(userID string) Addressing {
	if userID != "" && !slices.Contains(a.UserIDs, userID) {
		a.UserIDs = append(slices.Clone(a.UserIDs), userID)
	}
	return a
}

// ToTopic adds a topic to the addressing. Empty topics are ignored.
func (a Addressing) ToTopic(topic string) Addressing {
	if topic != "" && !slices.Contains(a.Topics, topic) {
		a.Topics = append(slices.Clone(a.Topics), topic)
	}
	return a
}

// Empty reports whether the addressing targets nobody.
func (a Addressing) Empty() bool {
	return !a.Broadcast && len(a.UserIDs) == 0 && len(a.Topics) == 0
}
