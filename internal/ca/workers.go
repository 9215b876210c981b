package ca

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// WorkerProfile is one worker the CA will issue for: its declared
// service name, its bootstrap token, and the alias SANs it may claim.
type WorkerProfile struct {
	ServiceName    string
	BootstrapToken string
	SANs           []string
}

// Allows reports whether the profile authorizes the given SAN. The
// service name itself is always allowed.
func (p WorkerProfile) Allows(san string) bool {
	if san == p.ServiceName {
		return true
	}
	for _, allowed := range p.SANs {
		if allowed == san {
			return true
		}
	}
	return false
}

// WorkerRegistry maps service names to their bootstrap profiles. The
// registry is loaded once at startup; issuing for an unlisted worker
// is impossible.
type WorkerRegistry struct {
	byService map[string]WorkerProfile
}

func NewWorkerRegistry(profiles []WorkerProfile) (*WorkerRegistry, error) {
	byService := make(map[string]WorkerProfile, len(profiles))
	for _, profile := range profiles {
		if profile.ServiceName == "" {
			return nil, errors.New("worker profile missing service_name")
		}
		if profile.BootstrapToken == "" {
			return nil, fmt.Errorf("worker %q missing bootstrap_token", profile.ServiceName)
		}
		if _, dup := byService[profile.ServiceName]; dup {
			return nil, fmt.Errorf("duplicate worker profile %q", profile.ServiceName)
		}
		byService[profile.ServiceName] = profile
	}
	return &WorkerRegistry{byService: byService}, nil
}

func (r *WorkerRegistry) Lookup(serviceName string) (WorkerProfile, bool) {
	if r == nil {
		return WorkerProfile{}, false
	}
	profile, ok := r.byService[serviceName]
	return profile, ok
}

type workersFile struct {
	Workers []workerEntry `yaml:"workers"`
}

type workerEntry struct {
	ServiceName    string   `yaml:"service_name"`
	BootstrapToken string   `yaml:"bootstrap_token"`
	SANs           []string `yaml:"sans"`
}

// LoadWorkerRegistry parses the worker bootstrap file:
//
//	workers:
//	  - service_name: email-parser
//	    bootstrap_token: tok-secret
//	    sans: [email-parser.mesh.local]
func LoadWorkerRegistry(path string) (*WorkerRegistry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseWorkerRegistry(raw)
}

func ParseWorkerRegistry(raw []byte) (*WorkerRegistry, error) {
	var file workersFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse workers file: %w", err)
	}
	profiles := make([]WorkerProfile, 0, len(file.Workers))
	for _, entry := range file.Workers {
		profiles = append(profiles, WorkerProfile{
			ServiceName:    entry.ServiceName,
			BootstrapToken: entry.BootstrapToken,
			SANs:           entry.SANs,
		})
	}
	return NewWorkerRegistry(profiles)
}
