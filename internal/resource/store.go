package resource

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Store is an in-memory Service implementation seeded from YAML. It backs
// bootstrap deployments and tests; larger installs point Service at the
// resource API instead.
type Store struct {
	mu     sync.RWMutex
	bots   map[string]*Bot
	teams  map[string]*Team
	ghosts []*Ghost
	shells []*Shell
	models []*Model
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		bots:  make(map[string]*Bot),
		teams: make(map[string]*Team),
	}
}

// SeedFile is the YAML shape consumed by LoadFile.
type SeedFile struct {
	Ghosts []*Ghost `yaml:"ghosts"`
	Shells []*Shell `yaml:"shells"`
	Models []*Model `yaml:"models"`
	Bots   []*Bot   `yaml:"bots"`
	Teams  []*Team  `yaml:"teams"`
}

// LoadFile seeds the store from a YAML file. Existing entries with the same
// id are replaced, so reloading is safe.
func (s *Store) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read seed file: %w", err)
	}
	var seed SeedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("parse seed file %s: %w", path, err)
	}
	s.Seed(&seed)
	return nil
}

// Seed merges the given resources into the store.
func (s *Store) Seed(seed *SeedFile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range seed.Ghosts {
		s.ghosts = append(s.ghosts, g)
	}
	for _, sh := range seed.Shells {
		s.shells = append(s.shells, sh)
	}
	for _, m := range seed.Models {
		s.models = append(s.models, m)
	}
	for _, b := range seed.Bots {
		s.bots[b.ID] = b
	}
	for _, t := range seed.Teams {
		s.teams[t.ID] = t
	}
}

// GetBot returns a bot by id.
func (s *Store) GetBot(_ context.Context, id string) (*Bot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bots[id]
	if !ok {
		return nil, fmt.Errorf("bot %s: %w", id, ErrNotFound)
	}
	return b, nil
}

// GetTeam returns a team by id.
func (s *Store) GetTeam(_ context.Context, id string) (*Team, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.teams[id]
	if !ok {
		return nil, fmt.Errorf("team %s: %w", id, ErrNotFound)
	}
	return t, nil
}

// visible implements the namespace visibility rule shared by every resource
// kind. Candidates are matched by (name, namespace); in the default
// namespace the owner's private copy is preferred, then the public one.
func visible(ref Ref, ownerID string, name func(i int) (ns, n, owner string), count int) (int, error) {
	ns := ref.namespace()
	if ns != DefaultNamespace {
		for i := 0; i < count; i++ {
			cns, cn, _ := name(i)
			if cns == ns && cn == ref.Name {
				return i, nil
			}
		}
		return -1, fmt.Errorf("%s/%s: %w", ns, ref.Name, ErrNotFound)
	}
	public := -1
	for i := 0; i < count; i++ {
		cns, cn, owner := name(i)
		if cns != "" && cns != DefaultNamespace {
			continue
		}
		if cn != ref.Name {
			continue
		}
		if owner == ownerID && ownerID != "" {
			return i, nil
		}
		if owner == PublicOwner || owner == "" {
			public = i
		}
	}
	if public >= 0 {
		return public, nil
	}
	return -1, fmt.Errorf("%s: %w", ref.Name, ErrNotFound)
}

// ResolveGhost looks up a ghost with namespace visibility.
func (s *Store) ResolveGhost(_ context.Context, ref Ref, ownerID string) (*Ghost, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, err := visible(ref, ownerID, func(i int) (string, string, string) {
		g := s.ghosts[i]
		return g.Namespace, g.Name, g.OwnerID
	}, len(s.ghosts))
	if err != nil {
		return nil, fmt.Errorf("ghost %w", err)
	}
	return s.ghosts[i], nil
}

// ResolveShell looks up a shell with namespace visibility.
func (s *Store) ResolveShell(_ context.Context, ref Ref, ownerID string) (*Shell, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, err := visible(ref, ownerID, func(i int) (string, string, string) {
		sh := s.shells[i]
		return sh.Namespace, sh.Name, sh.OwnerID
	}, len(s.shells))
	if err != nil {
		return nil, fmt.Errorf("shell %w", err)
	}
	return s.shells[i], nil
}

// ResolveModel looks up a model with namespace visibility.
func (s *Store) ResolveModel(_ context.Context, ref Ref, ownerID string) (*Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, err := visible(ref, ownerID, func(i int) (string, string, string) {
		m := s.models[i]
		return m.Namespace, m.Name, m.OwnerID
	}, len(s.models))
	if err != nil {
		return nil, fmt.Errorf("model %w", err)
	}
	return s.models[i], nil
}

// GetModelByID resolves a model by id with chat-user scope: the user's
// private model wins, then a public model with the same id.
func (s *Store) GetModelByID(_ context.Context, id, userID string) (*Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var public *Model
	for _, m := range s.models {
		if m.ID != id {
			continue
		}
		if m.OwnerID == userID && userID != "" {
			return m, nil
		}
		if m.OwnerID == PublicOwner || m.OwnerID == "" {
			public = m
		}
	}
	if public != nil {
		return public, nil
	}
	return nil, fmt.Errorf("model %s: %w", id, ErrNotFound)
}
