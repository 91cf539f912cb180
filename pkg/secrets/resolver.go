// Package secrets provides name-indirected credential resolution. Sources
// and enrichment providers reference credentials by name; the pipeline core
// never touches the environment or filesystem itself.
package secrets

import (
	"fmt"
	"os"
	"strings"
	"sync"
)

// ErrNotFound is returned when no secret is registered under a name.
var ErrNotFound = fmt.Errorf("secret not found")

// Resolver resolves a secret value by name.
type Resolver interface {
	Resolve(name string) (string, error)
}

// Static is a fixed in-memory resolver, the usual choice in tests.
type Static map[string]string

// Resolve implements Resolver.
func (s Static) Resolve(name string) (string, error) {
	v, ok := s[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return v, nil
}

// Env resolves secret names to environment variables, uppercasing and
// prefixing them: with prefix "LEADFORGE", name "crm-token" reads
// LEADFORGE_CRM_TOKEN. The operator shell constructs one and injects it;
// core packages only see the Resolver interface.
type Env struct {
	Prefix string

	mu    sync.Mutex
	cache map[string]string
}

// Resolve implements Resolver.
func (e *Env) Resolve(name string) (string, error) {
	key := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(name))
	if e.Prefix != "" {
		key = e.Prefix + "_" + key
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if v, ok := e.cache[name]; ok {
		return v, nil
	}
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return "", fmt.Errorf("%w: %q (env %s)", ErrNotFound, name, key)
	}
	if e.cache == nil {
		e.cache = make(map[string]string)
	}
	e.cache[name] = v
	return v, nil
}
