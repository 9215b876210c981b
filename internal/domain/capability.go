package domain

import (
	"errors"
	"strings"
	"time"
)

// CapabilityRef names one versioned unit of routable functionality.
// There is no implicit fallback across versions: schema compatibility
// is only guaranteed for an exact (name, version) match.
type CapabilityRef struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

func (r CapabilityRef) String() string {
	return r.Name + ":" + r.Version
}

func (r CapabilityRef) Validate() error {
	if r.Name == "" || r.Version == "" {
		return errors.New("capability name and version are required")
	}
	if strings.Contains(r.Name, ":") {
		return errors.New("capability name must not contain ':'")
	}
	return nil
}

// ParseCapabilityRef parses the "name:version" form used in policy files.
func ParseCapabilityRef(value string) (CapabilityRef, error) {
	idx := strings.LastIndex(value, ":")
	if idx <= 0 || idx == len(value)-1 {
		return CapabilityRef{}, errors.New("capability must be name:version")
	}
	return CapabilityRef{Name: value[:idx], Version: value[idx+1:]}, nil
}

// Endpoint is one registered worker address backing a capability.
type Endpoint struct {
	Address     string
	ServiceName string
	LastSeen    time.Time
}

// CapabilityDescriptor is the registry's view of one (name, version) pair.
// SchemaRef is opaque to the router.
type CapabilityDescriptor struct {
	Ref       CapabilityRef
	SchemaRef string
	Endpoints []Endpoint
}
