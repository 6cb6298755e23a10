package lockout

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/riskpilot/guardian/internal/database"
	"github.com/riskpilot/guardian/internal/database/repositories"
	"github.com/riskpilot/guardian/internal/timer"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := database.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repo := repositories.NewLockoutRepo(db.Conn())
	timers := timer.New(zerolog.Nop())

	mgr := NewManager(repo, timers, zerolog.Nop())
	require.NoError(t, mgr.LoadAll())
	return mgr
}

func TestManager_SetHardLocksAccount(t *testing.T) {
	mgr := newTestManager(t)

	err := mgr.SetHard(nil, 1, "daily loss limit", time.Now().Add(time.Hour), "DailyRealizedLoss")
	require.NoError(t, err)

	assert.True(t, mgr.IsLocked(1))
	assert.False(t, mgr.IsLocked(2))

	info, ok := mgr.Info(1)
	require.True(t, ok)
	assert.Equal(t, "daily loss limit", info.Reason)
	assert.Equal(t, "DailyRealizedLoss", info.Source)
}

func TestManager_ClearRemovesLockout(t *testing.T) {
	mgr := newTestManager(t)
	require.NoError(t, mgr.SetCooldown(nil, 1, "cooldown after loss", time.Minute, "CooldownAfterLoss"))
	require.True(t, mgr.IsLocked(1))

	require.NoError(t, mgr.Clear(1, ""))
	assert.False(t, mgr.IsLocked(1))
}

func TestManager_IsLockedSelfReapsExpired(t *testing.T) {
	mgr := newTestManager(t)
	require.NoError(t, mgr.SetHard(nil, 1, "expired lockout", time.Now().Add(-time.Minute), "TestRule"))

	assert.False(t, mgr.IsLocked(1))

	_, ok := mgr.Info(1)
	assert.False(t, ok)
}

func TestManager_SymbolLockoutIsIndependentOfHard(t *testing.T) {
	mgr := newTestManager(t)
	require.NoError(t, mgr.SetSymbol(nil, 1, "ES", "symbol block", time.Now().Add(time.Hour), "SymbolBlocks"))

	assert.True(t, mgr.IsSymbolLocked(1, "ES"))
	assert.False(t, mgr.IsSymbolLocked(1, "NQ"))
	assert.False(t, mgr.IsLocked(1))
}

func TestManager_ClearBySourceOnlyClearsMatchingSource(t *testing.T) {
	mgr := newTestManager(t)
	require.NoError(t, mgr.SetHard(nil, 1, "reason a", time.Now().Add(time.Hour), "RuleA"))

	require.NoError(t, mgr.ClearBySource(1, "RuleB"))
	assert.True(t, mgr.IsLocked(1))

	require.NoError(t, mgr.ClearBySource(1, "RuleA"))
	assert.False(t, mgr.IsLocked(1))
}

func TestManager_LoadAllRestoresPersistedLockouts(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := database.Open(dbPath)
	require.NoError(t, err)
	defer db.Close()

	repo := repositories.NewLockoutRepo(db.Conn())
	timers := timer.New(zerolog.Nop())

	first := NewManager(repo, timers, zerolog.Nop())
	require.NoError(t, first.LoadAll())
	require.NoError(t, first.SetHard(nil, 7, "persisted lockout", time.Now().Add(time.Hour), "RuleA"))

	second := NewManager(repo, timer.New(zerolog.Nop()), zerolog.Nop())
	require.NoError(t, second.LoadAll())

	assert.True(t, second.IsLocked(7))
}

func TestManager_ClearRolloverEligible(t *testing.T) {
	mgr := newTestManager(t)
	now := time.Now()
	require.NoError(t, mgr.SetHard(nil, 1, "overnight lockout", now.Add(-time.Minute), "DailyRealizedLoss"))

	require.NoError(t, mgr.ClearRolloverEligible(1, now))
	assert.False(t, mgr.IsLocked(1))
}

func TestManager_ClearRolloverEligibleLeavesFutureLockout(t *testing.T) {
	mgr := newTestManager(t)
	now := time.Now()
	require.NoError(t, mgr.SetHard(nil, 1, "multi-day lockout", now.Add(48*time.Hour), "AuthLossGuard"))

	require.NoError(t, mgr.ClearRolloverEligible(1, now))
	assert.True(t, mgr.IsLocked(1))
}

func TestManager_ClearRolloverEligibleLeavesCooldown(t *testing.T) {
	mgr := newTestManager(t)
	now := time.Now()
	require.NoError(t, mgr.SetCooldown(nil, 1, "cooldown after loss", time.Hour, "CooldownAfterLoss"))

	require.NoError(t, mgr.ClearRolloverEligible(1, now))
	assert.True(t, mgr.IsLocked(1))
}
