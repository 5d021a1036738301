// Copyright (C) 2025 Lancache Warden Authors.
// See LICENSE for copying information.

package events

// Event names carried on the bus. Job runners additionally derive
// <Kind>Started, <Kind>Progress and <Kind>Complete from their
// operation kind.
const (
	DepotMappingStarted  = "DepotMappingStarted"
	DepotMappingProgress = "DepotMappingProgress"
	DepotMappingComplete = "DepotMappingComplete"

	SteamSessionError = "SteamSessionError"
	SteamAutoLogout   = "SteamAutoLogout"

	AutomaticScanSkipped = "AutomaticScanSkipped"

	DatabaseResetProgress = "DatabaseResetProgress"
	UserSessionsCleared   = "UserSessionsCleared"
)
