package runkeeper

import "github.com/matematik7/runkeeper-oh/activity"

type Profile struct {
	UserID               int64  `json:"userID"`
	FitnessActivities    string `json:"fitness_activities"`
	BackgroundActivities string `json:"background_activities"`
}

// Page is one batch of a Runkeeper listing. Size is the number of items in
// the whole listing, not in this page.
type Page struct {
	Items    []activity.Record `json:"items"`
	Previous string            `json:"previous"`
	Next     string            `json:"next"`
	Size     int               `json:"size"`
}
