// Package registry stores per-project configuration: signing secrets,
// CORS origins, and the public flag. Entries are administered through the
// /v1/config endpoints and consulted on every authenticated request.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

// ErrProjectNotFound is returned for unknown project ids.
var ErrProjectNotFound = errors.New("project not found")

var bucketProjects = []byte("projects")

// Project is one registry entry. Older deployments stored a single
// signingSecret; Secrets() folds it in so verification always sees the
// full rotation set.
type Project struct {
	ID             string   `json:"id"`
	SigningSecrets []string `json:"signingSecrets,omitempty"`
	LegacySecret   string   `json:"signingSecret,omitempty"`
	CORSOrigins    []string `json:"corsOrigins,omitempty"`
	IsPublic       bool     `json:"isPublic,omitempty"`
}

// Secrets returns every signing secret to try, newest first, with the
// legacy single-secret field normalized in.
func (p *Project) Secrets() []string {
	secrets := make([]string, 0, len(p.SigningSecrets)+1)
	secrets = append(secrets, p.SigningSecrets...)
	if p.LegacySecret != "" {
		found := false
		for _, s := range p.SigningSecrets {
			if s == p.LegacySecret {
				found = true
				break
			}
		}
		if !found {
			secrets = append(secrets, p.LegacySecret)
		}
	}
	return secrets
}

// AllowsOrigin reports whether a CORS origin may read this project's
// streams. An entry of "*" allows any origin.
func (p *Project) AllowsOrigin(origin string) bool {
	for _, o := range p.CORSOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// Registry is the bbolt-backed project table.
type Registry struct {
	db *bbolt.DB
}

// Open opens (or creates) the project registry in dataDir.
func Open(dataDir string) (*Registry, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	path := filepath.Join(dataDir, "projects.db")
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open project registry: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketProjects)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create projects bucket: %w", err)
	}
	return &Registry{db: db}, nil
}

// Get loads a project entry.
func (r *Registry) Get(id string) (*Project, error) {
	var p *Project
	err := r.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketProjects).Get([]byte(id))
		if raw == nil {
			return ErrProjectNotFound
		}
		p = &Project{}
		if err := json.Unmarshal(raw, p); err != nil {
			return fmt.Errorf("failed to unmarshal project %q: %w", id, err)
		}
		p.ID = id
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Put writes (or replaces) a project entry.
func (r *Registry) Put(p *Project) error {
	if p.ID == "" {
		return errors.New("project id is required")
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal project: %w", err)
	}
	return r.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketProjects).Put([]byte(p.ID), raw)
	})
}

// Delete removes a project entry. Missing entries are not an error.
func (r *Registry) Delete(id string) error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketProjects).Delete([]byte(id))
	})
}

// Close closes the registry database.
func (r *Registry) Close() error {
	return r.db.Close()
}
