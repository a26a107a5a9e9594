package specialist

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routa-dev/routa/internal/common/logger"
	"github.com/routa-dev/routa/internal/store"
)

func TestResolveHardcoded(t *testing.T) {
	r := NewRegistry(store.NewMemoryStore(), "", "", logger.Default())
	ctx := context.Background()

	sp, err := r.Resolve(ctx, "crafter")
	require.NoError(t, err)
	assert.Equal(t, store.RoleCrafter, sp.Role)

	// Upper-case inputs resolve as role names.
	sp, err = r.Resolve(ctx, "GATE")
	require.NoError(t, err)
	assert.Equal(t, "gate", sp.ID)

	_, err = r.Resolve(ctx, "nonexistent")
	assert.ErrorIs(t, err, ErrUnknownSpecialist)
}

func TestFileLayerShadowsHardcoded(t *testing.T) {
	dir := t.TempDir()
	content := `
id: crafter
name: Custom Crafter
role: CRAFTER
defaultModelTier: SMART
systemPrompt: custom prompt
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "crafter.yaml"), []byte(content), 0o644))

	r := NewRegistry(store.NewMemoryStore(), dir, "", logger.Default())
	sp, err := r.Resolve(context.Background(), "crafter")
	require.NoError(t, err)
	assert.Equal(t, "Custom Crafter", sp.Name)
	assert.Equal(t, store.TierSmart, sp.DefaultModelTier)
	assert.Equal(t, store.SpecialistSourceUser, sp.Source)
}

func TestDatabaseLayerWinsAndInvalidates(t *testing.T) {
	st := store.NewMemoryStore()
	r := NewRegistry(st, "", "", logger.Default())
	ctx := context.Background()

	// Warm the cache with the hardcoded view.
	sp, err := r.Resolve(ctx, "crafter")
	require.NoError(t, err)
	assert.Equal(t, store.SpecialistSourceHardcoded, sp.Source)

	require.NoError(t, r.Save(ctx, &store.Specialist{
		ID:               "crafter",
		Name:             "DB Crafter",
		Role:             store.RoleCrafter,
		DefaultModelTier: store.TierFast,
		Enabled:          true,
	}))

	// Save invalidated the cache; the database layer now shadows.
	sp, err = r.Resolve(ctx, "crafter")
	require.NoError(t, err)
	assert.Equal(t, "DB Crafter", sp.Name)
	assert.Equal(t, store.SpecialistSourceUser, sp.Source)

	require.NoError(t, r.Delete(ctx, "crafter"))
	sp, err = r.Resolve(ctx, "crafter")
	require.NoError(t, err)
	assert.Equal(t, store.SpecialistSourceHardcoded, sp.Source)
}

func TestRoleResolutionPrefersUserLayer(t *testing.T) {
	st := store.NewMemoryStore()
	r := NewRegistry(st, "", "", logger.Default())
	ctx := context.Background()

	require.NoError(t, r.Save(ctx, &store.Specialist{
		ID:      "my-gate",
		Name:    "My Gate",
		Role:    store.RoleGate,
		Enabled: true,
	}))

	sp, err := r.Resolve(ctx, "GATE")
	require.NoError(t, err)
	assert.Equal(t, "my-gate", sp.ID)
}

func TestDisabledSpecialistSkipped(t *testing.T) {
	st := store.NewMemoryStore()
	r := NewRegistry(st, "", "", logger.Default())
	ctx := context.Background()

	require.NoError(t, r.Save(ctx, &store.Specialist{
		ID:      "off",
		Role:    store.RoleDeveloper,
		Enabled: false,
	}))

	_, err := r.Resolve(ctx, "off")
	assert.ErrorIs(t, err, ErrUnknownSpecialist)
}
