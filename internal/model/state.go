package model

import "fmt"

// SyncState tracks whether the persisted configuration of an application
// has reached the device.
type SyncState int

const (
	// SyncUnknown is the state of an application the agent has not yet
	// looked up in storage.
	SyncUnknown SyncState = iota
	// SyncUnmanaged means storage has no record of the application.
	SyncUnmanaged
	// SyncOK means the device matches storage.
	SyncOK
	// SyncPending means storage holds changes not yet pushed.
	SyncPending
	// SyncWillReset means the application must be reset remotely.
	SyncWillReset
	// SyncReset means the remote reset succeeded and the record is
	// about to be removed.
	SyncReset
)

var syncStateNames = map[SyncState]string{
	SyncUnknown:   "UNKNOWN",
	SyncUnmanaged: "UNMANAGED",
	SyncOK:        "OK",
	SyncPending:   "PENDING",
	SyncWillReset: "WILL_RESET",
	SyncReset:     "RESET",
}

func (s SyncState) String() string {
	if name, ok := syncStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("SyncState(%d)", int(s))
}

// ParseSyncState is the inverse of SyncState.String.
func ParseSyncState(s string) (SyncState, error) {
	for state, name := range syncStateNames {
		if name == s {
			return state, nil
		}
	}
	return SyncUnknown, fmt.Errorf("unknown sync state %q", s)
}

// ApplicationState is the security state an application reports on the bus.
type ApplicationState int

const (
	NotClaimable ApplicationState = iota
	Claimable
	Claimed
	NeedUpdate
)

var applicationStateNames = map[ApplicationState]string{
	NotClaimable: "NOT_CLAIMABLE",
	Claimable:    "CLAIMABLE",
	Claimed:      "CLAIMED",
	NeedUpdate:   "NEED_UPDATE",
}

func (s ApplicationState) String() string {
	if name, ok := applicationStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("ApplicationState(%d)", int(s))
}

// ParseApplicationState is the inverse of ApplicationState.String.
func ParseApplicationState(s string) (ApplicationState, error) {
	for state, name := range applicationStateNames {
		if name == s {
			return state, nil
		}
	}
	return NotClaimable, fmt.Errorf("unknown application state %q", s)
}

// IsManagedOnDevice reports whether a device in this state carries an
// installed configuration (and can therefore be updated).
func (s ApplicationState) IsManagedOnDevice() bool {
	return s == Claimed || s == NeedUpdate
}
