package config

import (
	"os"
	"strings"
	"time"
)

// FederationRelayEnabled gates remote relay delivery. Devices in a store
// without a federation endpoint keep selling with relay entries parked as
// PENDING until a relay URL is configured.
//
// Set via env:
// - FEDERATION_RELAY_ENABLED=false
func FederationRelayEnabled() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("FEDERATION_RELAY_ENABLED")))
	if v == "" {
		return true
	}
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// ManualConflictOverrideEnabled allows an operator to resolve conflicts that
// were parked as ManualReviewRequired. Automatic server_wins outcomes stay
// final regardless of this flag.
//
// Set via env:
// - CONFLICT_MANUAL_OVERRIDE=true
func ManualConflictOverrideEnabled() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("CONFLICT_MANUAL_OVERRIDE")))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// HealthMonitorInterval is the cadence of federation health snapshots.
//
// Set via env:
// - HEALTH_MONITOR_INTERVAL_SECONDS=60
func HealthMonitorInterval() time.Duration {
	n := IntFromEnv("HEALTH_MONITOR_INTERVAL_SECONDS", 60)
	if n <= 0 {
		n = 60
	}
	return time.Duration(n) * time.Second
}

// StockEscrowTTL bounds how long a disconnected device may sell against a
// stock grant before the authority reclaims it.
//
// Set via env:
// - STOCK_ESCROW_TTL_SECONDS=86400
func StockEscrowTTL() time.Duration {
	n := IntFromEnv("STOCK_ESCROW_TTL_SECONDS", 86400)
	if n <= 0 {
		n = 86400
	}
	return time.Duration(n) * time.Second
}

// FiscalRangeTTL bounds how long a leased invoice number range stays
// consumable on a disconnected device.
//
// Set via env:
// - FISCAL_RANGE_TTL_SECONDS=604800
func FiscalRangeTTL() time.Duration {
	n := IntFromEnv("FISCAL_RANGE_TTL_SECONDS", 604800)
	if n <= 0 {
		n = 604800
	}
	return time.Duration(n) * time.Second
}

// FiscalRangeWidth is the size of each leased invoice number block.
//
// Set via env:
// - FISCAL_RANGE_WIDTH=100
func FiscalRangeWidth() int64 {
	n := IntFromEnv("FISCAL_RANGE_WIDTH", 100)
	if n <= 0 {
		n = 100
	}
	return int64(n)
}
