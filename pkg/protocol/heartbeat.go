package protocol

import "time"

// Heartbeat is published on strada.heartbeat.<vehicle-id> every 30s.
type Heartbeat struct {
	VehicleID string    `json:"vehicle_id"`
	Status    string    `json:"status"`
	LastCmd   time.Time `json:"last_cmd"`
	Executed  int64     `json:"executed"`
	Delivered int64     `json:"delivered"`
	Persisted int64     `json:"persisted"`
	Dropped   int64     `json:"dropped"`
}
