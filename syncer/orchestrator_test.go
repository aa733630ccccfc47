package syncer

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ModulabyAddsy/modula-pos/deltacodec"
	"github.com/ModulabyAddsy/modula-pos/localstore"
	"github.com/ModulabyAddsy/modula-pos/syncstate"
)

func TestRunCycle_PushPullApplyClean(t *testing.T) {
	h := newHarness(t)
	h.login(t)
	ventas := h.branchDB(t, "ventas.sqlite", ventasDDL,
		`INSERT INTO ventas (uuid, total, last_modified, needs_sync) VALUES ('v-1', 100, '2024-05-01T10:00:00+00:00', 1)`)
	productos := h.generalDB(t, "productos.sqlite", productosDDL)
	h.srv.SeedRow(testCompany, "productos", map[string]any{
		"uuid": "p-1", "nombre": "Cafe", "precio": 35.5, "last_modified": "2024-05-01T09:00:00+00:00",
	})

	res := h.orch.RunCycle(context.Background())
	require.NoError(t, res.Err)
	require.Equal(t, OutcomeSuccess, res.Outcome)
	require.Equal(t, 1, res.Pushed)
	require.Equal(t, 2, res.Pulled) // the seeded row and the echo of v-1
	require.Equal(t, StateIdle, h.orch.State())

	pushes := h.srv.Pushes()
	require.Len(t, pushes, 1)
	require.Equal(t, "MOD_EMP_1001/suc_52/ventas.sqlite", pushes[0].DBRelativePath)
	require.Equal(t, "uuid", pushes[0].PrimaryKeyColumn)
	require.NotContains(t, pushes[0].Records[0], "id", "local ids never leave the terminal")

	require.Equal(t, 0, queryOne[int](t, ventas, `SELECT needs_sync FROM ventas WHERE uuid = 'v-1'`))
	require.Equal(t, "Cafe", queryOne[string](t, productos, `SELECT nombre FROM productos WHERE uuid = 'p-1'`))

	st, err := h.states.Load(testCompany)
	require.NoError(t, err)
	require.NotEqual(t, deltacodec.EpochSentinel, st.LastServerSync)
	require.Equal(t, res.Cursor, st.LastServerSync)
	require.Equal(t, []string{"productos", "ventas"}, st.KnownTables)
}

func TestRunCycle_IdempotentWhenNothingChanged(t *testing.T) {
	h := newHarness(t)
	h.login(t)
	h.branchDB(t, "ventas.sqlite", ventasDDL,
		`INSERT INTO ventas (uuid, total, last_modified, needs_sync) VALUES ('v-1', 100, '2024-05-01T10:00:00+00:00', 1)`)

	first := h.orch.RunCycle(context.Background())
	require.NoError(t, first.Err)

	second := h.orch.RunCycle(context.Background())
	require.NoError(t, second.Err)
	require.Zero(t, second.Pushed)
	require.Zero(t, second.Pulled)
	require.Len(t, h.srv.Pushes(), 1)

	cursors := h.srv.Cursors()
	require.Len(t, cursors, 2)
	require.Equal(t, deltacodec.EpochSentinel, cursors[0])
	require.Equal(t, first.Cursor, cursors[1])
}

func TestRunCycle_FailedPushKeepsRowsDirty(t *testing.T) {
	h := newHarness(t)
	h.login(t)
	ventas := h.branchDB(t, "ventas.sqlite", ventasDDL,
		`INSERT INTO ventas (uuid, total, last_modified, needs_sync) VALUES ('v-1', 100, '2024-05-01T10:00:00+00:00', 1)`)

	h.srv.FailNext("/sync/push", http.StatusInternalServerError)
	res := h.orch.RunCycle(context.Background())
	require.Equal(t, OutcomeError, res.Outcome)
	require.Error(t, res.Err)
	require.Equal(t, StateIdle, h.orch.State())
	require.Equal(t, 1, queryOne[int](t, ventas, `SELECT needs_sync FROM ventas WHERE uuid = 'v-1'`))
	require.Empty(t, h.srv.Cursors(), "no pull after a failed push")

	res = h.orch.RunCycle(context.Background())
	require.NoError(t, res.Err)
	require.Equal(t, 0, queryOne[int](t, ventas, `SELECT needs_sync FROM ventas WHERE uuid = 'v-1'`))
}

func TestRunCycle_CrashAfterPushRepushes(t *testing.T) {
	h := newHarness(t)
	h.login(t)
	ventas := h.branchDB(t, "ventas.sqlite", ventasDDL,
		`INSERT INTO ventas (uuid, total, last_modified, needs_sync) VALUES ('v-1', 100, '2024-05-01T10:00:00+00:00', 1)`)

	// The push lands but the cycle dies before cleaning.
	h.srv.FailNext("/sync/deltas", http.StatusBadGateway)
	res := h.orch.RunCycle(context.Background())
	require.Error(t, res.Err)
	require.Len(t, h.srv.Pushes(), 1)
	require.Equal(t, 1, queryOne[int](t, ventas, `SELECT needs_sync FROM ventas WHERE uuid = 'v-1'`))
	st, err := h.states.Load(testCompany)
	require.NoError(t, err)
	require.Equal(t, deltacodec.EpochSentinel, st.LastServerSync, "cursor only advances after a full cycle")

	res = h.orch.RunCycle(context.Background())
	require.NoError(t, res.Err)
	require.Equal(t, 1, res.Pushed)
	require.Len(t, h.srv.Pushes(), 2)
	row, ok := h.srv.Row(testCompany, "ventas", "v-1")
	require.True(t, ok)
	require.Equal(t, "v-1", row["uuid"])
	require.Equal(t, 0, queryOne[int](t, ventas, `SELECT needs_sync FROM ventas WHERE uuid = 'v-1'`))
}

func TestRunCycle_ServerCopyReplacesLocal(t *testing.T) {
	h := newHarness(t)
	h.login(t)
	productos := h.generalDB(t, "productos.sqlite", productosDDL,
		`INSERT INTO productos (uuid, nombre, precio, last_modified, needs_sync) VALUES ('p-1', 'Cafe', 30, '2024-05-01T09:00:00+00:00', 0)`)

	h.srv.SeedRow(testCompany, "productos", map[string]any{
		"uuid": "p-1", "nombre": "Cafe de olla", "precio": 42, "last_modified": "2024-05-03T09:00:00+00:00",
	})

	res := h.orch.RunCycle(context.Background())
	require.NoError(t, res.Err)
	require.Equal(t, "Cafe de olla", queryOne[string](t, productos, `SELECT nombre FROM productos WHERE uuid = 'p-1'`))
	require.Equal(t, 42.0, queryOne[float64](t, productos, `SELECT precio FROM productos WHERE uuid = 'p-1'`))
	require.Equal(t, 1, queryOne[int](t, productos, `SELECT COUNT(*) FROM productos`))
}

func TestRunCycle_NewLocalTableTriggersFullPull(t *testing.T) {
	h := newHarness(t)
	h.login(t)
	h.branchDB(t, "ventas.sqlite", ventasDDL)
	h.generalDB(t, "productos.sqlite", productosDDL)
	require.NoError(t, h.states.Save(testCompany, syncstate.State{
		LastServerSync: "2099-01-01T00:00:00+00:00",
		KnownTables:    []string{"ventas"},
	}))

	res := h.orch.RunCycle(context.Background())
	require.NoError(t, res.Err)
	require.True(t, res.FullPull)
	require.Equal(t, []string{deltacodec.EpochSentinel}, h.srv.Cursors())

	st, err := h.states.Load(testCompany)
	require.NoError(t, err)
	require.Equal(t, []string{"productos", "ventas"}, st.KnownTables)
	require.Equal(t, res.Cursor, st.LastServerSync)

	res = h.orch.RunCycle(context.Background())
	require.NoError(t, res.Err)
	require.False(t, res.FullPull)
}

func TestRunCycle_StoresServerCursorAsReturned(t *testing.T) {
	store := localstore.New(t.TempDir(), localstore.Options{})
	states := syncstate.NewStore(store.Layout().DatabasesRoot())
	remote := &scriptedRemote{stamps: []string{
		"2025-03-01T10:00:00.123456",
		"2025-03-02T10:00:00Z",
		"2025-03-03T10:00:00",
		"2025-03-01T08:00:00+00:00",
	}}
	orch := NewOrchestrator(OrchestratorConfig{Store: store, Remote: remote, States: states})
	orch.SetCompany(testCompany)

	for _, want := range remote.stamps {
		res := orch.RunCycle(context.Background())
		require.NoError(t, res.Err)
		require.Equal(t, want, res.Cursor)

		st, err := states.Load(testCompany)
		require.NoError(t, err)
		require.Equal(t, want, st.LastServerSync)
	}

	// Each pull starts where the previous one ended.
	require.Equal(t, []string{
		deltacodec.EpochSentinel,
		"2025-03-01T10:00:00.123456",
		"2025-03-02T10:00:00Z",
		"2025-03-03T10:00:00",
	}, remote.cursors)
}

func TestRunCycle_KeepsCursorWhenServerSendsNone(t *testing.T) {
	store := localstore.New(t.TempDir(), localstore.Options{})
	states := syncstate.NewStore(store.Layout().DatabasesRoot())
	require.NoError(t, states.Save(testCompany, syncstate.State{LastServerSync: "2025-03-01T10:00:00+00:00"}))
	orch := NewOrchestrator(OrchestratorConfig{Store: store, Remote: &scriptedRemote{stamps: []string{""}}, States: states})
	orch.SetCompany(testCompany)

	res := orch.RunCycle(context.Background())
	require.NoError(t, res.Err)
	require.Equal(t, "2025-03-01T10:00:00+00:00", res.Cursor)
}

func TestRunCycle_SingleFlight(t *testing.T) {
	store := localstore.New(t.TempDir(), localstore.Options{})
	states := syncstate.NewStore(store.Layout().DatabasesRoot())
	remote := newBlockingRemote("2024-01-01T00:00:00+00:00")
	orch := NewOrchestrator(OrchestratorConfig{Store: store, Remote: remote, States: states})
	orch.SetCompany(testCompany)

	var wg sync.WaitGroup
	var first Result
	wg.Add(1)
	go func() {
		defer wg.Done()
		first = orch.RunCycle(context.Background())
	}()

	select {
	case <-remote.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first cycle never reached the pull stage")
	}
	require.Equal(t, StatePulling, orch.State())

	start := time.Now()
	second := orch.RunCycle(context.Background())
	require.Equal(t, OutcomeSkipped, second.Outcome)
	require.True(t, errors.Is(second.Err, ErrCycleInFlight))
	require.Less(t, time.Since(start), time.Second)

	close(remote.release)
	wg.Wait()
	require.Equal(t, OutcomeSuccess, first.Outcome)

	third := orch.RunCycle(context.Background())
	require.Equal(t, OutcomeSuccess, third.Outcome)
}

func TestRunCycle_RequiresCompany(t *testing.T) {
	store := localstore.New(t.TempDir(), localstore.Options{})
	orch := NewOrchestrator(OrchestratorConfig{Store: store, States: syncstate.NewStore(t.TempDir())})
	res := orch.RunCycle(context.Background())
	require.ErrorIs(t, res.Err, ErrNoCompany)
	require.Equal(t, OutcomeError, res.Outcome)
}

func TestRunCycle_ReportsStageTimings(t *testing.T) {
	h := newHarness(t)
	h.login(t)
	h.branchDB(t, "ventas.sqlite", ventasDDL)

	var mu sync.Mutex
	var stages []string
	h.orch.recorder = StageRecorderFunc(func(_ context.Context, timing StageTiming) {
		mu.Lock()
		defer mu.Unlock()
		stages = append(stages, timing.Stage)
	})

	res := h.orch.RunCycle(context.Background())
	require.NoError(t, res.Err)
	require.Equal(t, []string{StagePush, StagePull, StageApply, StageClean, StageTotal}, stages)
}
