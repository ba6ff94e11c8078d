package config

// HostingMode selects how chat sessions are hosted.
type HostingMode string

const (
	// HostingModeProcess keeps every session in one long-lived process.
	HostingModeProcess HostingMode = "process"
	// HostingModeScheduled runs one step per activation and re-enters
	// through durable wake markers.
	HostingModeScheduled HostingMode = "scheduled"
)

// IsValid checks if the hosting mode is known
func (m HostingMode) IsValid() bool {
	switch m {
	case HostingModeProcess, HostingModeScheduled:
		return true
	default:
		return false
	}
}
