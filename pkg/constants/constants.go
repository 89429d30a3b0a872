// Package constants holds cross-cutting names shared by the agent commands.
package constants

// Agent constants
const (
	AgentName    = "kiln-agent"
	AgentAppName = "KILN_AGENT"
)

// Default export artifact names
const (
	DefaultOutputArchiveSuffix = ".zip"
)
