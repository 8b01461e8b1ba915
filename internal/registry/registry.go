package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	sourcerepo "cmdforge/internal/gateway/repository/source"
	"cmdforge/internal/history"
	"cmdforge/internal/types"
)

// Capability is what running a registered command needs: the exact source
// the registry verified, looked up by name and version.
type Capability struct {
	ArtifactID string `json:"artifact_id"`
	Name       string `json:"name"`
	Version    int    `json:"version"`
	Language   string `json:"language"`
	Checksum   string `json:"checksum"`
	Source     string `json:"source"`
}

// Registry owns accepted artifacts. Every status change is appended to the
// history log and fsynced before the store is touched, and all writers for a
// name are serialised.
type Registry struct {
	store   Store
	sources sourcerepo.Store
	history *history.Log
	locks   *keyedLock
	now     func() time.Time
	log     *log.Logger
}

func New(store Store, sources sourcerepo.Store, hist *history.Log) *Registry {
	return &Registry{
		store:   store,
		sources: sources,
		history: hist,
		locks:   newKeyedLock(),
		now:     func() time.Time { return time.Now().UTC() },
		log:     log.Default(),
	}
}

func (r *Registry) SetLogger(l *log.Logger) {
	if l != nil {
		r.log = l
	}
}

// Register stores an accepted artifact as the next version of its command
// and makes it Active.
func (r *Registry) Register(ctx context.Context, a types.Artifact, res types.ValidationResult) (types.RegisteredCommand, error) {
	if res.Verdict != types.VerdictPass {
		return types.RegisteredCommand{}, ErrNotAccepted
	}
	if res.ArtifactID != "" && res.ArtifactID != a.ID {
		return types.RegisteredCommand{}, fmt.Errorf("result %s does not belong to artifact %s", res.ArtifactID, a.ID)
	}
	name := strings.TrimSpace(a.Name)
	if name == "" {
		name = types.CommandName(a.Description, a.ID)
	}
	checksum := a.Checksum()

	unlock := r.locks.Lock(name)
	defer unlock()

	versions, err := r.versions(ctx, name)
	if err != nil {
		return types.RegisteredCommand{}, err
	}
	active, hasActive := activeOf(versions)
	if hasActive && active.Checksum == checksum {
		return active, ErrAlreadyRegistered
	}

	if err := r.sources.Put(ctx, checksum, []byte(a.Source)); err != nil {
		r.log.Printf("registry: store source %s for %s: %v", checksum[:12], name, err)
		return types.RegisteredCommand{}, types.NewInternalError("store source", err)
	}

	cmd := types.RegisteredCommand{
		ID:          a.ID,
		Name:        name,
		Version:     nextVersion(versions),
		Language:    types.NormalizeLanguage(a.Language),
		Description: a.Description,
		Checksum:    checksum,
		Status:      types.StatusActive,
		Score:       res.Score,
		CreatedAt:   r.now(),
	}
	m := Mutation{Insert: &cmd}
	if hasActive {
		if err := r.appendHistory(active, types.ActionSuperseded, fmt.Sprintf("replaced by v%d", cmd.Version)); err != nil {
			return types.RegisteredCommand{}, err
		}
		m.Updates = append(m.Updates, StatusChange{Name: name, Version: active.Version, Status: types.StatusSuperseded})
	}
	if err := r.appendHistory(cmd, types.ActionRegistered, ""); err != nil {
		return types.RegisteredCommand{}, err
	}
	if err := r.apply(ctx, m); err != nil {
		return types.RegisteredCommand{}, err
	}
	cmd.Source = a.Source
	r.log.Printf("registry: %s v%d registered (%s)", name, cmd.Version, checksum[:12])
	return cmd, nil
}

// Rollback makes version the Active version of name. Only the current Active
// version and the target change status.
func (r *Registry) Rollback(ctx context.Context, name string, version int) (types.RegisteredCommand, error) {
	name = strings.TrimSpace(name)
	unlock := r.locks.Lock(name)
	defer unlock()

	versions, err := r.versions(ctx, name)
	if err != nil {
		return types.RegisteredCommand{}, err
	}
	if len(versions) == 0 {
		return types.RegisteredCommand{}, ErrNotFound
	}
	i := indexOf(versions, version)
	if i < 0 {
		return types.RegisteredCommand{}, fmt.Errorf("%s v%d: %w", name, version, ErrVersionNotFound)
	}
	target := versions[i]
	if target.Status == types.StatusActive {
		return target, nil
	}
	// Refuse to activate a blob that no longer matches.
	if _, err := r.load(ctx, target); err != nil {
		return types.RegisteredCommand{}, err
	}

	var m Mutation
	if current, ok := activeOf(versions); ok {
		if err := r.appendHistory(current, types.ActionSupersededByRollback, fmt.Sprintf("rolled back to v%d", version)); err != nil {
			return types.RegisteredCommand{}, err
		}
		m.Updates = append(m.Updates, StatusChange{Name: name, Version: current.Version, Status: types.StatusSupersededByRollback})
	}
	if err := r.appendHistory(target, types.ActionRolledBack, ""); err != nil {
		return types.RegisteredCommand{}, err
	}
	m.Updates = append(m.Updates, StatusChange{Name: name, Version: version, Status: types.StatusActive})
	if err := r.apply(ctx, m); err != nil {
		return types.RegisteredCommand{}, err
	}
	target.Status = types.StatusActive
	r.log.Printf("registry: %s rolled back to v%d", name, version)
	return target, nil
}

// Retire deactivates name without activating another version.
func (r *Registry) Retire(ctx context.Context, name string) (types.RegisteredCommand, error) {
	name = strings.TrimSpace(name)
	unlock := r.locks.Lock(name)
	defer unlock()

	versions, err := r.versions(ctx, name)
	if err != nil {
		return types.RegisteredCommand{}, err
	}
	active, ok := activeOf(versions)
	if !ok {
		return types.RegisteredCommand{}, ErrNotFound
	}
	if err := r.appendHistory(active, types.ActionRetired, ""); err != nil {
		return types.RegisteredCommand{}, err
	}
	if err := r.apply(ctx, Mutation{Updates: []StatusChange{{Name: name, Version: active.Version, Status: types.StatusRetired}}}); err != nil {
		return types.RegisteredCommand{}, err
	}
	active.Status = types.StatusRetired
	return active, nil
}

// GetActive returns the Active version of name with its verified source.
func (r *Registry) GetActive(ctx context.Context, name string) (types.RegisteredCommand, error) {
	versions, err := r.versions(ctx, strings.TrimSpace(name))
	if err != nil {
		return types.RegisteredCommand{}, err
	}
	active, ok := activeOf(versions)
	if !ok {
		return types.RegisteredCommand{}, ErrNotFound
	}
	src, err := r.load(ctx, active)
	if err != nil {
		return types.RegisteredCommand{}, err
	}
	active.Source = src
	return active, nil
}

// Versions lists every version of name, oldest first, without sources.
func (r *Registry) Versions(ctx context.Context, name string) ([]types.RegisteredCommand, error) {
	versions, err := r.versions(ctx, strings.TrimSpace(name))
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, ErrNotFound
	}
	return versions, nil
}

// List returns the Active version of every command, sorted by name.
func (r *Registry) List(ctx context.Context) ([]types.RegisteredCommand, error) {
	names, err := r.store.Names(ctx)
	if err != nil {
		return nil, types.NewInternalError("list commands", err)
	}
	out := make([]types.RegisteredCommand, 0, len(names))
	for _, name := range names {
		versions, err := r.versions(ctx, name)
		if err != nil {
			return nil, err
		}
		if active, ok := activeOf(versions); ok {
			out = append(out, active)
		}
	}
	return out, nil
}

// Resolve looks up a runnable capability. Version 0 means the Active one.
func (r *Registry) Resolve(ctx context.Context, name string, version int) (Capability, error) {
	var cmd types.RegisteredCommand
	if version == 0 {
		active, err := r.GetActive(ctx, name)
		if err != nil {
			return Capability{}, err
		}
		cmd = active
	} else {
		versions, err := r.Versions(ctx, name)
		if err != nil {
			return Capability{}, err
		}
		i := indexOf(versions, version)
		if i < 0 {
			return Capability{}, fmt.Errorf("%s v%d: %w", name, version, ErrVersionNotFound)
		}
		cmd = versions[i]
		if cmd.Source, err = r.load(ctx, cmd); err != nil {
			return Capability{}, err
		}
	}
	return Capability{
		ArtifactID: cmd.ID,
		Name:       cmd.Name,
		Version:    cmd.Version,
		Language:   cmd.Language,
		Checksum:   cmd.Checksum,
		Source:     cmd.Source,
	}, nil
}

func (r *Registry) versions(ctx context.Context, name string) ([]types.RegisteredCommand, error) {
	if name == "" {
		return nil, fmt.Errorf("name is required")
	}
	versions, err := r.store.Versions(ctx, name)
	if err != nil {
		r.log.Printf("registry: read versions of %s: %v", name, err)
		return nil, types.NewInternalError("read versions", err)
	}
	return versions, nil
}

func (r *Registry) apply(ctx context.Context, m Mutation) error {
	if err := r.store.Apply(ctx, m); err != nil {
		r.log.Printf("registry: apply mutation: %v", err)
		return types.NewInternalError("apply mutation", err)
	}
	return nil
}

// load fetches the source of cmd and checks it against the recorded checksum.
func (r *Registry) load(ctx context.Context, cmd types.RegisteredCommand) (string, error) {
	raw, err := r.sources.Get(ctx, cmd.Checksum)
	if errors.Is(err, sourcerepo.ErrNotFound) {
		r.log.Printf("registry: %s v%d source %s missing", cmd.Name, cmd.Version, cmd.Checksum[:12])
		return "", fmt.Errorf("%s v%d: source missing: %w", cmd.Name, cmd.Version, ErrChecksumMismatch)
	}
	if err != nil {
		return "", types.NewInternalError("load source", err)
	}
	if got := types.Checksum(string(raw)); got != cmd.Checksum {
		r.log.Printf("registry: %s v%d checksum mismatch: have %s want %s", cmd.Name, cmd.Version, got[:12], cmd.Checksum[:12])
		return "", fmt.Errorf("%s v%d: %w", cmd.Name, cmd.Version, ErrChecksumMismatch)
	}
	return string(raw), nil
}

func (r *Registry) appendHistory(cmd types.RegisteredCommand, action types.HistoryAction, reason string) error {
	if r.history == nil {
		return nil
	}
	_, err := r.history.Append(types.HistoryEntry{
		ID:          cmd.ID,
		Name:        cmd.Name,
		Version:     cmd.Version,
		Description: cmd.Description,
		Checksum:    cmd.Checksum,
		Verdict:     types.VerdictPass,
		Action:      action,
		Reason:      reason,
	})
	if err != nil {
		r.log.Printf("registry: history %s %s v%d: %v", action, cmd.Name, cmd.Version, err)
		var ie *types.InternalError
		if errors.As(err, &ie) {
			return err
		}
		return types.NewInternalError("append history", err)
	}
	return nil
}

func activeOf(versions []types.RegisteredCommand) (types.RegisteredCommand, bool) {
	for _, c := range versions {
		if c.Status == types.StatusActive {
			return c, true
		}
	}
	return types.RegisteredCommand{}, false
}

func nextVersion(versions []types.RegisteredCommand) int {
	max := 0
	for _, c := range versions {
		if c.Version > max {
			max = c.Version
		}
	}
	return max + 1
}
