// Package specialist resolves agent templates by id or role. Definitions are
// layered: database (user) > user files > bundled files > hardcoded defaults,
// with higher layers shadowing lower ones by id. The merged view is cached
// and invalidated on writes.
package specialist

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/routa-dev/routa/internal/common/logger"
	"github.com/routa-dev/routa/internal/store"
)

// ErrUnknownSpecialist is returned when resolution finds no match.
var ErrUnknownSpecialist = errors.New("unknown specialist")

// fileSpec mirrors the YAML definition layout.
type fileSpec struct {
	ID               string `yaml:"id"`
	Name             string `yaml:"name"`
	Description      string `yaml:"description"`
	Role             string `yaml:"role"`
	DefaultModelTier string `yaml:"defaultModelTier"`
	SystemPrompt     string `yaml:"systemPrompt"`
	RoleReminder     string `yaml:"roleReminder"`
	Model            string `yaml:"model"`
	Enabled          *bool  `yaml:"enabled"`
}

// Registry merges specialist layers and caches the result.
type Registry struct {
	log        *logger.Logger
	store      store.Store
	userDir    string
	bundledDir string

	mu    sync.Mutex
	cache map[string]*store.Specialist // id -> merged definition
}

// NewRegistry creates a registry. userDir and bundledDir may be empty to
// disable the respective file layer.
func NewRegistry(st store.Store, userDir, bundledDir string, log *logger.Logger) *Registry {
	return &Registry{
		log:        log.WithFields(zap.String("component", "specialist-registry")),
		store:      st,
		userDir:    userDir,
		bundledDir: bundledDir,
	}
}

// Resolve finds a specialist by id or by upper-case role name. Role-name
// resolution picks the highest-priority enabled specialist with that role.
func (r *Registry) Resolve(ctx context.Context, nameOrID string) (*store.Specialist, error) {
	merged, err := r.load(ctx)
	if err != nil {
		return nil, err
	}

	if sp, ok := merged[nameOrID]; ok && sp.Enabled {
		return sp, nil
	}

	// Upper-case inputs are role names (ROUTA, CRAFTER, GATE, DEVELOPER).
	if nameOrID == strings.ToUpper(nameOrID) {
		role := store.AgentRole(nameOrID)
		var best *store.Specialist
		for _, sp := range merged {
			if sp.Role != role || !sp.Enabled {
				continue
			}
			if best == nil || sourceRank(sp.Source) < sourceRank(best.Source) {
				best = sp
			}
		}
		if best != nil {
			return best, nil
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrUnknownSpecialist, nameOrID)
}

// List returns all enabled specialists in the merged view.
func (r *Registry) List(ctx context.Context) ([]*store.Specialist, error) {
	merged, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*store.Specialist, 0, len(merged))
	for _, sp := range merged {
		if sp.Enabled {
			out = append(out, sp)
		}
	}
	return out, nil
}

// Save writes a user specialist to the database and invalidates the cache.
func (r *Registry) Save(ctx context.Context, sp *store.Specialist) error {
	sp.Source = store.SpecialistSourceUser
	if err := r.store.UpsertSpecialist(ctx, sp); err != nil {
		return err
	}
	r.Invalidate()
	return nil
}

// Delete removes a user specialist and invalidates the cache.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if err := r.store.DeleteSpecialist(ctx, id); err != nil {
		return err
	}
	r.Invalidate()
	return nil
}

// Invalidate drops the merged cache; the next read rebuilds it.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	r.cache = nil
	r.mu.Unlock()
}

func (r *Registry) load(ctx context.Context) (map[string]*store.Specialist, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cache != nil {
		return r.cache, nil
	}

	merged := make(map[string]*store.Specialist)
	for _, sp := range hardcodedSpecialists() {
		merged[sp.ID] = sp
	}
	r.overlayDir(merged, r.bundledDir, store.SpecialistSourceBundled)
	r.overlayDir(merged, r.userDir, store.SpecialistSourceUser)

	dbSpecs, err := r.store.ListSpecialists(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load specialists: %w", err)
	}
	for _, sp := range dbSpecs {
		merged[sp.ID] = sp
	}

	r.cache = merged
	return merged, nil
}

func (r *Registry) overlayDir(merged map[string]*store.Specialist, dir string, source store.SpecialistSource) {
	if dir == "" {
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			r.log.Warn("failed to read specialist dir", zap.String("dir", dir), zap.Error(err))
		}
		return
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			r.log.Warn("failed to read specialist file", zap.String("path", path), zap.Error(err))
			continue
		}
		var spec fileSpec
		if err := yaml.Unmarshal(data, &spec); err != nil {
			r.log.Warn("failed to parse specialist file", zap.String("path", path), zap.Error(err))
			continue
		}
		if spec.ID == "" || spec.Role == "" {
			r.log.Warn("specialist file missing id or role", zap.String("path", path))
			continue
		}
		enabled := true
		if spec.Enabled != nil {
			enabled = *spec.Enabled
		}
		tier := store.ModelTier(spec.DefaultModelTier)
		if tier == "" {
			tier = store.TierBalanced
		}
		merged[spec.ID] = &store.Specialist{
			ID:               spec.ID,
			Name:             spec.Name,
			Description:      spec.Description,
			Role:             store.AgentRole(spec.Role),
			DefaultModelTier: tier,
			SystemPrompt:     spec.SystemPrompt,
			RoleReminder:     spec.RoleReminder,
			Model:            spec.Model,
			Enabled:          enabled,
			Source:           source,
		}
	}
}

// sourceRank orders layers: user < bundled < hardcoded (lower wins).
func sourceRank(source store.SpecialistSource) int {
	switch source {
	case store.SpecialistSourceUser:
		return 0
	case store.SpecialistSourceBundled:
		return 1
	default:
		return 2
	}
}

func hardcodedSpecialists() []*store.Specialist {
	return []*store.Specialist{
		{
			ID:               "routa",
			Name:             "Routa",
			Description:      "Coordinator that plans work, delegates tasks, and integrates results.",
			Role:             store.RoleRouta,
			DefaultModelTier: store.TierSmart,
			SystemPrompt: "You are Routa, the coordinating agent. Break the user's goal into tasks, " +
				"delegate implementation work to specialists, and verify results before reporting back.",
			RoleReminder: "Coordinate; do not implement tasks yourself when a specialist fits.",
			Enabled:      true,
			Source:       store.SpecialistSourceHardcoded,
		},
		{
			ID:               "crafter",
			Name:             "Crafter",
			Description:      "Implementation specialist for code changes.",
			Role:             store.RoleCrafter,
			DefaultModelTier: store.TierBalanced,
			SystemPrompt: "You are Crafter, an implementation specialist. Complete the assigned task " +
				"within its scope, then report to your parent with a summary of the changes.",
			RoleReminder: "Stay within the task scope. Report to your parent when done.",
			Enabled:      true,
			Source:       store.SpecialistSourceHardcoded,
		},
		{
			ID:               "gate",
			Name:             "Gate",
			Description:      "Verification specialist that reviews completed work.",
			Role:             store.RoleGate,
			DefaultModelTier: store.TierBalanced,
			SystemPrompt: "You are Gate, a verification specialist. Run the task's verification " +
				"commands, review the changes against the acceptance criteria, and report a verdict.",
			RoleReminder: "Report APPROVED, NOT_APPROVED, or BLOCKED with a verification report.",
			Enabled:      true,
			Source:       store.SpecialistSourceHardcoded,
		},
	}
}
