package model

import (
	"fmt"
	"slices"
)

// Application is a managed (or manageable) peer, identified by its key.
type Application struct {
	KeyInfo   KeyInfo
	SyncState SyncState
}

// NewApplication returns an Application with an unknown sync state.
func NewApplication(key KeyInfo) Application {
	return Application{KeyInfo: key}
}

// Equal compares key identity only.
func (a Application) Equal(o Application) bool {
	return a.KeyInfo.Equal(o.KeyInfo)
}

// Less orders applications by key.
func (a Application) Less(o Application) bool {
	return a.KeyInfo.Compare(o.KeyInfo) < 0
}

func (a Application) String() string {
	return fmt.Sprintf("%s(%s)", a.KeyInfo, a.SyncState)
}

// SortApplications sorts apps in key order, in place.
func SortApplications(apps []Application) {
	slices.SortFunc(apps, func(a, b Application) int {
		return a.KeyInfo.Compare(b.KeyInfo)
	})
}

// OnlineApplication is an Application observed on the bus.
//
// Unlike Application, equality covers every attribute.
type OnlineApplication struct {
	Application
	ApplicationState ApplicationState
	BusName          string
}

// Equal compares key, sync state, application state and bus name.
func (a OnlineApplication) Equal(o OnlineApplication) bool {
	return a.KeyInfo.Equal(o.KeyInfo) &&
		a.SyncState == o.SyncState &&
		a.ApplicationState == o.ApplicationState &&
		a.BusName == o.BusName
}

func (a OnlineApplication) String() string {
	return fmt.Sprintf("%s(%s, %s, %q)", a.KeyInfo, a.SyncState, a.ApplicationState, a.BusName)
}
