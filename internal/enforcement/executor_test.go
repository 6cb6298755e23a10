package enforcement

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/riskpilot/guardian/internal/database"
	"github.com/riskpilot/guardian/internal/database/repositories"
	"github.com/riskpilot/guardian/internal/events"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCaller records every Invoke call and replays a scripted sequence of
// (status, err) responses per fingerprint-independent call count.
type fakeCaller struct {
	mu        sync.Mutex
	responses []fakeResponse
	calls     []Intent
	flatSize  map[string]int64 // contractID (see fmtKey) -> size, fresh if present
}

type fakeResponse struct {
	status int
	err    error
}

func newFakeCaller(responses ...fakeResponse) *fakeCaller {
	return &fakeCaller{responses: responses, flatSize: map[string]int64{}}
}

func (f *fakeCaller) Invoke(ctx context.Context, intent Intent) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, intent)
	idx := len(f.calls) - 1
	if idx >= len(f.responses) {
		return 200, nil
	}
	r := f.responses[idx]
	return r.status, r.err
}

func (f *fakeCaller) CurrentSize(accountID int64, contractID string) (int64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	size, ok := f.flatSize[fmtKey(accountID, contractID)]
	return size, ok
}

func fmtKey(accountID int64, contractID string) string {
	return contractID
}

func (f *fakeCaller) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeTokenRefresher struct {
	calls int
}

func (f *fakeTokenRefresher) Refresh(ctx context.Context) (string, error) {
	f.calls++
	return "new-token", nil
}

func newTestExecutor(t *testing.T, caller Caller, tokens TokenRefresher) *Executor {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := database.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logRepo := repositories.NewEnforcementLogRepo(db.Conn())
	bus := events.NewBus(zerolog.Nop())
	return NewExecutor(caller, tokens, bus, logRepo, 2, zerolog.Nop())
}

func TestExecutor_SubmitAndWaitSuccess(t *testing.T) {
	caller := newFakeCaller(fakeResponse{status: 200})
	exec := newTestExecutor(t, caller, &fakeTokenRefresher{})

	err := exec.SubmitAndWait(context.Background(), Intent{Kind: IntentClosePosition, AccountID: 1, ContractID: "ES", Generation: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, caller.callCount())
}

func TestExecutor_Retries401WithTokenRefresh(t *testing.T) {
	caller := newFakeCaller(fakeResponse{status: 401}, fakeResponse{status: 200})
	tokens := &fakeTokenRefresher{}
	exec := newTestExecutor(t, caller, tokens)

	err := exec.SubmitAndWait(context.Background(), Intent{Kind: IntentCancelOrder, AccountID: 1, OrderID: 5, Generation: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, tokens.calls)
	assert.Equal(t, 2, caller.callCount())
}

func TestExecutor_RefusesSecond401(t *testing.T) {
	caller := newFakeCaller(fakeResponse{status: 401}, fakeResponse{status: 401})
	tokens := &fakeTokenRefresher{}
	exec := newTestExecutor(t, caller, tokens)

	err := exec.SubmitAndWait(context.Background(), Intent{Kind: IntentCancelOrder, AccountID: 1, OrderID: 5, Generation: 1})
	require.Error(t, err)
	assert.Equal(t, 1, tokens.calls)
	assert.Equal(t, 2, caller.callCount())
}

func TestExecutor_SkipsCloseWhenAlreadyFlat(t *testing.T) {
	caller := newFakeCaller()
	caller.flatSize["ES"] = 0
	exec := newTestExecutor(t, caller, &fakeTokenRefresher{})

	err := exec.SubmitAndWait(context.Background(), Intent{Kind: IntentClosePosition, AccountID: 1, ContractID: "ES", Generation: 1})
	require.NoError(t, err)
	assert.Equal(t, 0, caller.callCount())
}

func TestExecutor_NextGenerationIsMonotonePerAccount(t *testing.T) {
	exec := newTestExecutor(t, newFakeCaller(), &fakeTokenRefresher{})

	assert.Equal(t, int64(1), exec.NextGeneration(1))
	assert.Equal(t, int64(2), exec.NextGeneration(1))
	assert.Equal(t, int64(1), exec.NextGeneration(2))
}
