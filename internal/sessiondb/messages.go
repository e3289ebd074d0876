package sessiondb

import "time"

// The composite types used for messages to the ClickHouse database.

// ActivityMessage is the information for the scopehubactivity table: one row
// per daemon lifetime.
type ActivityMessage struct {
	ID        string
	Hostname  string
	Githash   string
	Version   string
	GoVersion string
	CPUs      int
	Start     time.Time
	End       time.Time
}

// SessionMessage is the information required to make an entry in the
// sessions table: one row per camera Start/Stop cycle.
type SessionMessage struct {
	ID        string // the acquisition session's ULID
	Camera    string
	Nchan     int
	Requested int   // requested frame count, <0 for unbounded
	Delivered int64 // frames actually delivered
	Start     time.Time
	End       time.Time
}
