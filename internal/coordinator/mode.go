package coordinator

import "fmt"

// SyncMode decides what the next flushed transaction carries.
type SyncMode int

const (
	// ModeInitial ships the bootstrap tables and every table schema first.
	ModeInitial SyncMode = iota
	// ModeReset tells the consumer to start over instead of shipping data.
	ModeReset
	// ModeSyncing ships row changes only.
	ModeSyncing
)

func (m SyncMode) String() string {
	switch m {
	case ModeInitial:
		return "INITIAL"
	case ModeReset:
		return "RESET"
	case ModeSyncing:
		return "SYNCING"
	}
	return fmt.Sprintf("SyncMode(%d)", int(m))
}

// Event is an input to the sync mode state machine.
type Event int

const (
	// EventBootstrapped: the bootstrap transaction was built.
	EventBootstrapped Event = iota
	// EventOutOfBounds: the resume watermark can no longer be served upstream.
	EventOutOfBounds
)

// InitialMode is SYNCING when the client supplied a resume watermark and INITIAL otherwise.
func InitialMode(resuming bool) SyncMode {
	if resuming {
		return ModeSyncing
	}
	return ModeInitial
}

// Next is the only place a SyncMode changes.
func Next(mode SyncMode, ev Event) SyncMode {
	switch ev {
	case EventOutOfBounds:
		return ModeReset
	case EventBootstrapped:
		if mode == ModeInitial {
			return ModeSyncing
		}
	}
	return mode
}
