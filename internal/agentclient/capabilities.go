package agentclient

import "encoding/json"

// defaultMaxConcurrentJobs applies when an agent does not report a limit.
const defaultMaxConcurrentJobs = 4

// Capabilities is the parsed form of an agent's capability payload.
type Capabilities struct {
	Providers         []string `json:"providers"`
	MaxConcurrentJobs int      `json:"max_concurrent_jobs"`
	Features          []string `json:"features"`
}

// ParseCapabilities parses the raw JSON capability payload stored on an
// agent row. A malformed payload degrades to an empty capability set rather
// than failing selection; a missing or non-positive max_concurrent_jobs
// defaults to 4.
func ParseCapabilities(raw string) Capabilities {
	var caps Capabilities
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &caps); err != nil {
			caps = Capabilities{}
		}
	}
	if caps.MaxConcurrentJobs <= 0 {
		caps.MaxConcurrentJobs = defaultMaxConcurrentJobs
	}
	return caps
}

// SupportsProvider reports whether the agent can run labs of the given
// provider.
func (c Capabilities) SupportsProvider(provider string) bool {
	for _, p := range c.Providers {
		if p == provider {
			return true
		}
	}
	return false
}

// HasFeature reports whether the agent advertises the given feature flag.
func (c Capabilities) HasFeature(feature string) bool {
	for _, f := range c.Features {
		if f == feature {
			return true
		}
	}
	return false
}
