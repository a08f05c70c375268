// Package auth verifies project-scoped bearer tokens. Tokens are HS256
// JWTs signed with one of the project's registry secrets; the sub claim
// must match the project in the request path.
package auth

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tidewater-io/tidewater/registry"
)

var (
	ErrMissingToken   = errors.New("missing bearer token")
	ErrInvalidToken   = errors.New("invalid token")
	ErrUnknownProject = errors.New("unknown project")
	ErrWrongProject   = errors.New("token is for a different project")
	ErrScopeDenied    = errors.New("insufficient scope")
)

// Scope is the permission level carried in a token's scope claim.
type Scope string

const (
	ScopeRead   Scope = "read"
	ScopeWrite  Scope = "write"
	ScopeManage Scope = "manage"
)

var scopeRank = map[Scope]int{
	ScopeRead:   1,
	ScopeWrite:  2,
	ScopeManage: 3,
}

// ParseScope validates a scope claim value.
func ParseScope(s string) (Scope, bool) {
	sc := Scope(s)
	_, ok := scopeRank[sc]
	return sc, ok
}

// Covers reports whether a token with scope s may perform an operation
// requiring the given scope. Higher scopes include the lower ones.
func (s Scope) Covers(required Scope) bool {
	return scopeRank[s] >= scopeRank[required]
}

// Claims is the verified identity attached to a request.
type Claims struct {
	ProjectID string
	Scope     Scope
}

// Verifier checks bearer tokens against the project registry. Registry
// lookups are cached briefly so hot streams do not hit bbolt on every
// request; config writes invalidate the entry.
type Verifier struct {
	reg *registry.Registry
	ttl time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	project *registry.Project
	fetched time.Time
}

// NewVerifier creates a Verifier with the given registry cache TTL.
func NewVerifier(reg *registry.Registry, cacheTTL time.Duration) *Verifier {
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Second
	}
	return &Verifier{
		reg:   reg,
		ttl:   cacheTTL,
		cache: make(map[string]cacheEntry),
	}
}

// Project returns the registry entry for a project, through the cache.
func (v *Verifier) Project(id string) (*registry.Project, error) {
	v.mu.Lock()
	if e, ok := v.cache[id]; ok && time.Since(e.fetched) < v.ttl {
		v.mu.Unlock()
		return e.project, nil
	}
	v.mu.Unlock()

	p, err := v.reg.Get(id)
	if err != nil {
		if errors.Is(err, registry.ErrProjectNotFound) {
			return nil, ErrUnknownProject
		}
		return nil, err
	}

	v.mu.Lock()
	v.cache[id] = cacheEntry{project: p, fetched: time.Now()}
	v.mu.Unlock()
	return p, nil
}

// Invalidate drops a project's cache entry. Called after config writes so
// new secrets take effect immediately.
func (v *Verifier) Invalidate(id string) {
	v.mu.Lock()
	delete(v.cache, id)
	v.mu.Unlock()
}

// Verify checks an HS256 bearer token for the given project. Every
// registered signing secret is tried so secret rotation does not
// invalidate outstanding tokens. Expiry is enforced when present.
func (v *Verifier) Verify(tokenString, projectID string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}

	project, err := v.Project(projectID)
	if err != nil {
		return nil, err
	}

	secrets := project.Secrets()
	if len(secrets) == 0 {
		return nil, ErrUnknownProject
	}

	var lastErr error
	for _, secret := range secrets {
		claims := jwt.MapClaims{}
		_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
			return []byte(secret), nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil {
			lastErr = err
			continue
		}
		return claimsFor(claims, projectID)
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, lastErr)
	}
	return nil, ErrInvalidToken
}

func claimsFor(claims jwt.MapClaims, projectID string) (*Claims, error) {
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, ErrInvalidToken
	}
	if sub != projectID {
		return nil, ErrWrongProject
	}

	raw, _ := claims["scope"].(string)
	scope, ok := ParseScope(raw)
	if !ok {
		return nil, fmt.Errorf("%w: unknown scope %q", ErrInvalidToken, raw)
	}
	return &Claims{ProjectID: sub, Scope: scope}, nil
}
