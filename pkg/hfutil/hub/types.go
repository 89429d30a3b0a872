package hub

import (
	"time"
)

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

// HubConfigKey is the context key for storing HubConfig
const HubConfigKey contextKey = "hubConfig"

// DownloadConfig contains configuration for downloads
type DownloadConfig struct {
	// Repository information
	RepoID    string
	RepoType  string
	Revision  string
	Filename  string
	Subfolder string

	// Authentication
	Token string

	// Destination paths
	CacheDir string
	LocalDir string

	// Download behavior
	ForceDownload  bool
	LocalFilesOnly bool
	ResumeDownload bool

	// Network configuration
	Proxies     map[string]string
	EtagTimeout time.Duration
	Headers     map[string]string
	Endpoint    string

	// Concurrent downloads (for snapshots)
	MaxWorkers int

	// Pattern filtering (for snapshots)
	AllowPatterns  []string
	IgnorePatterns []string
}
