package model

import "time"

// Status is the sync state of a queued record. It only ever moves from pending to synced.
type Status string

const (
	StatusPending Status = "pending"
	StatusSynced  Status = "synced"
)

// Location is a GPS sample accepted by the sampler.
type Location struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  float64   `json:"accuracy"`
	Timestamp time.Time `json:"timestamp"`
	Heading   *float64  `json:"heading,omitempty"`
}

// RawPosition is an unfiltered update published by a location provider.
type RawPosition struct {
	DeviceID string `json:"device_id,omitempty"`
	Location
}

// Operation is a timed activity started from an operational button.
type Operation struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	ButtonID  string     `json:"buttonId,omitempty"`
	StartTime time.Time  `json:"startTime"`
	EndTime   *time.Time `json:"endTime,omitempty"`
	Duration  string     `json:"duration,omitempty"`
	Status    Status     `json:"status"`
}

// Open reports whether the operation is still running.
func (o Operation) Open() bool {
	return o.EndTime == nil
}

// OperationalButton is a catalog entry describing a selectable operation type.
type OperationalButton struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Visible bool   `json:"visible"`
}

// EventKind distinguishes the start and end halves of an operation event.
type EventKind string

const (
	EventStart EventKind = "start"
	EventEnd   EventKind = "end"
)

// LocationRecord is the queued form of an accepted location sample.
type LocationRecord struct {
	ID        string    `json:"id"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  float64   `json:"accuracy"`
	Heading   *float64  `json:"heading,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Status    Status    `json:"status"`
}

// OperationEvent is the queued audit record of an operation start, later completed with its end.
type OperationEvent struct {
	ID          string     `json:"id"`
	OperationID string     `json:"operationId"`
	Kind        EventKind  `json:"kind"`
	ButtonID    string     `json:"buttonId,omitempty"`
	ButtonName  string     `json:"buttonName"`
	Timestamp   time.Time  `json:"timestamp"`
	Latitude    float64    `json:"latitude"`
	Longitude   float64    `json:"longitude"`
	EndTime     *time.Time `json:"endTime,omitempty"`
	Duration    string     `json:"duration,omitempty"`
	Status      Status     `json:"status"`
}

// Session is the authentication credential held while logged in.
type Session struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Valid reports whether the session is still usable at now.
func (s Session) Valid(now time.Time) bool {
	return s.Token != "" && now.Before(s.ExpiresAt)
}

// Profile is the operator data returned by the auth backend at login.
type Profile struct {
	UserID            string            `json:"userId"`
	VehicleIdentifier string            `json:"vehicleIdentifier"`
	ActiveButtonIDs   []string          `json:"activeButtonIds"`
	NameOverrides     map[string]string `json:"nameOverrides,omitempty"`
}
