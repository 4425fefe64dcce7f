package models

import "time"

// Fix is a raw location reading handed over by the platform.
type Fix struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  *float64  `json:"accuracy,omitempty"`
	Speed     float64   `json:"speed"`
	Heading   float64   `json:"heading"`
	Timestamp time.Time `json:"timestamp"`
}

// TrackingPoint is an accepted fix persisted in the local store.
// An empty TaskID means the task was unknown at capture time.
type TrackingPoint struct {
	ID           int64     `json:"id"`
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	Accuracy     *float64  `json:"accuracy,omitempty"`
	BatteryLevel float64   `json:"battery_level"`
	Timestamp    time.Time `json:"timestamp"`
	Speed        float64   `json:"speed"`
	Heading      float64   `json:"heading"`
	TaskID       string    `json:"task_id,omitempty"`
	Synced       bool      `json:"synced"`
}

// PointFromFix builds an unsaved point from an accepted fix.
func PointFromFix(fix Fix, battery float64, taskID string) TrackingPoint {
	return TrackingPoint{
		Latitude:     fix.Latitude,
		Longitude:    fix.Longitude,
		Accuracy:     fix.Accuracy,
		BatteryLevel: battery,
		Timestamp:    fix.Timestamp,
		Speed:        fix.Speed,
		Heading:      fix.Heading,
		TaskID:       taskID,
	}
}

// Float returns a pointer to v, handy for optional accuracy values.
func Float(v float64) *float64 {
	return &v
}
