package acqdb

import "time"

// The composite types used for messages to the ClickHouse database.
// They correspond to the tables in the usrprx database:
//
//	rxsessions   one row per daemon run
//	acquisitions one row per accepted stream command, re-entered on finish
//	streamerrors one row per error reported by the stream engine

// SessionMessage is the information for the rxsessions table.
type SessionMessage struct {
	ID        string
	Hostname  string
	Githash   string
	Version   string
	GoVersion string
	CPUs      int
	Start     time.Time
	End       time.Time
}

// AcquisitionMessage is the information required to make an entry in the
// acquisitions table.
type AcquisitionMessage struct {
	ID             string
	Kind           string
	Timed          bool
	StartTag       uint64
	WordsRequested uint64
	WordsStreamed  uint64
	Packets        uint64
	CaptureFile    string
	Start          time.Time
	End            time.Time
}

// StreamErrorMessage is the information required to make an entry in the
// streamerrors table.
type StreamErrorMessage struct {
	AcquisitionID string
	Code          uint32
	Name          string
	Tag           uint64
	Logged        time.Time
}
