// Copyright (C) 2025 Lancache Warden Authors.
// See LICENSE for copying information.

// Package state owns the consolidated application state document. All
// operational positions, scheduling timestamps, viability caches and
// small preferences live in one JSON file that is replaced atomically
// on every update.
package state

import (
	"net"
	"time"
)

// CrawlMode selects the strategy used by scheduled depot scans.
type CrawlMode string

const (
	// CrawlIncremental scans only catalog changes since the last
	// committed change number.
	CrawlIncremental CrawlMode = "incremental"
	// CrawlFull scans the entire catalog.
	CrawlFull CrawlMode = "full"
	// CrawlArtifact imports a precomputed mapping document instead of
	// walking the catalog.
	CrawlArtifact CrawlMode = "artifact"
)

// AppState is the single persisted state document.
type AppState struct {
	LogProcessing      LogProcessing      `json:"logProcessing"`
	DepotProcessing    DepotProcessing    `json:"depotProcessing"`
	Viability          ViabilityCache     `json:"viabilityCache"`
	SessionReplacement SessionReplacement `json:"sessionReplacement"`
	Scheduling         Scheduling         `json:"scheduling"`

	SetupCompleted     bool          `json:"setupCompleted"`
	HasProcessedLogs   bool          `json:"hasProcessedLogs"`
	Guest              GuestDefaults `json:"guestDefaults"`
	ExcludedClients    []string      `json:"excludedClients,omitempty"`
	AllowedTimeFormats []string      `json:"allowedTimeFormats,omitempty"`

	// LegacySteamAuth is only ever read once, by the secret store's
	// migration, and nilled afterwards. New credentials never land
	// here.
	LegacySteamAuth *LegacySteamAuth `json:"steamAuth,omitempty"`
}

// LogProcessing tracks positions of the external log ingest.
type LogProcessing struct {
	Position             uint64            `json:"position"`
	DatasourcePositions  map[string]uint64 `json:"datasourcePositions,omitempty"`
	DatasourceTotalLines map[string]uint64 `json:"datasourceTotalLines,omitempty"`
	LastUpdated          time.Time         `json:"lastUpdated"`
}

// DepotProcessing is the persisted progress of the depot mapping
// engine, enough to resume a scan near where it stopped.
type DepotProcessing struct {
	IsActive          bool       `json:"isActive"`
	StatusText        string     `json:"statusText,omitempty"`
	TotalBatches      int        `json:"totalBatches"`
	ProcessedBatches  int        `json:"processedBatches"`
	TotalApps         int        `json:"totalApps"`
	ProcessedApps     int        `json:"processedApps"`
	ProgressPercent   float64    `json:"progressPercent"`
	MappingsFound     int        `json:"depotMappingsFound"`
	StartTime         *time.Time `json:"startTime,omitempty"`
	LastChangeNumber  uint32     `json:"lastChangeNumber"`
	RemainingAppIDs   []uint32   `json:"remainingApps,omitempty"`
}

// ViabilityCache remembers the last incremental-scan viability check.
type ViabilityCache struct {
	RequiresFullScan      bool       `json:"requiresFullScan"`
	LastCheck             *time.Time `json:"lastCheck,omitempty"`
	LastCheckChangeNumber uint32     `json:"lastCheckChangeNumber"`
	ChangeGap             uint32     `json:"changeGap"`
}

// SessionReplacement counts catalog session kicks caused by the same
// account logging in elsewhere.
type SessionReplacement struct {
	Count uint32     `json:"count"`
	Last  *time.Time `json:"last,omitempty"`
}

// Scheduling drives the periodic crawl chore.
type Scheduling struct {
	LastCrawl          *time.Time `json:"lastPicsCrawl,omitempty"`
	CrawlIntervalHours float64    `json:"crawlIntervalHours"`
	CrawlMode          CrawlMode  `json:"crawlMode"`
}

// GuestDefaults are the defaults applied to unauthenticated UI
// sessions.
type GuestDefaults struct {
	AllowGuestAccess bool   `json:"allowGuestAccess"`
	DefaultTheme     string `json:"defaultTheme,omitempty"`
}

// LegacySteamAuth is the shape credentials had when they still lived
// inside the state document. See secrets.Store for the migration.
type LegacySteamAuth struct {
	Mode              string     `json:"mode"`
	Username          string     `json:"username,omitempty"`
	RefreshToken      string     `json:"refreshToken,omitempty"`
	LastAuthenticated *time.Time `json:"lastAuthenticated,omitempty"`
}

// Default returns the state used before any document exists on disk.
func Default() AppState {
	return AppState{
		Scheduling: Scheduling{
			CrawlIntervalHours: 1,
			CrawlMode:          CrawlIncremental,
		},
		AllowedTimeFormats: []string{"12h", "24h"},
	}
}

// Clone returns a deep copy so callers can hold a snapshot without
// racing concurrent updates.
func (s AppState) Clone() AppState {
	out := s
	out.LogProcessing.DatasourcePositions = cloneMap(s.LogProcessing.DatasourcePositions)
	out.LogProcessing.DatasourceTotalLines = cloneMap(s.LogProcessing.DatasourceTotalLines)
	out.DepotProcessing.RemainingAppIDs = append([]uint32(nil), s.DepotProcessing.RemainingAppIDs...)
	out.ExcludedClients = append([]string(nil), s.ExcludedClients...)
	out.AllowedTimeFormats = append([]string(nil), s.AllowedTimeFormats...)
	if s.LegacySteamAuth != nil {
		auth := *s.LegacySteamAuth
		out.LegacySteamAuth = &auth
	}
	return out
}

// ClientExcluded reports whether ip matches one of the excluded-client
// rules. Rules are exact IPs or CIDR blocks; unparsable rules never
// match.
func (s AppState) ClientExcluded(ip string) bool {
	addr := net.ParseIP(ip)
	for _, rule := range s.ExcludedClients {
		if rule == ip {
			return true
		}
		if addr == nil {
			continue
		}
		if _, block, err := net.ParseCIDR(rule); err == nil && block.Contains(addr) {
			return true
		}
	}
	return false
}

func cloneMap(m map[string]uint64) map[string]uint64 {
	if m == nil {
		return nil
	}
	out := make(map[string]uint64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
