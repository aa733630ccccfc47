package syncer

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ModulabyAddsy/modula-pos/internal/synctest"
	"github.com/ModulabyAddsy/modula-pos/localstore"
	"github.com/ModulabyAddsy/modula-pos/syncstate"
	"github.com/ModulabyAddsy/modula-pos/terminal"
	"github.com/ModulabyAddsy/modula-pos/transport"
)

const (
	testCompany = "MOD_EMP_1001"
	testBranch  = int64(52)
	testHW      = "hw-1"
)

const ventasDDL = `CREATE TABLE ventas (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	uuid TEXT,
	total REAL,
	last_modified TEXT,
	needs_sync INTEGER DEFAULT 0
)`

const productosDDL = `CREATE TABLE productos (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	uuid TEXT,
	nombre TEXT,
	precio REAL,
	last_modified TEXT,
	needs_sync INTEGER DEFAULT 0
)`

type harness struct {
	srv     *synctest.Server
	dataDir string
	store   *localstore.Store
	client  *transport.Client
	states  *syncstate.Store
	ident   *terminal.FileStore
	orch    *Orchestrator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	srv := synctest.NewServer(nil)
	t.Cleanup(srv.Close)
	srv.RegisterTerminal(synctest.Terminal{ID: testHW, Name: "Caja 1", CompanyID: testCompany, BranchID: testBranch})

	dataDir := t.TempDir()
	store := localstore.New(dataDir, localstore.Options{})
	client := transport.NewClient(transport.Config{BaseURL: srv.URL})
	states := syncstate.NewStore(store.Layout().DatabasesRoot())
	orch := NewOrchestrator(OrchestratorConfig{Store: store, Remote: client, States: states})
	orch.SetCompany(testCompany)

	return &harness{
		srv:     srv,
		dataDir: dataDir,
		store:   store,
		client:  client,
		states:  states,
		ident:   terminal.NewFileStore(dataDir),
		orch:    orch,
	}
}

func (h *harness) login(t *testing.T) {
	t.Helper()
	res := h.client.VerifyTerminal(context.Background(), testHW, transport.NetworkFingerprint{})
	require.Equal(t, transport.StatusOK, res.Status)
	h.client.SetAuthToken(res.AccessToken)
}

func (h *harness) branchDB(t *testing.T, name string, stmts ...string) string {
	t.Helper()
	path := filepath.Join(h.store.Layout().BranchDir(testCompany, testBranch), name)
	execDB(t, path, stmts...)
	return path
}

func (h *harness) generalDB(t *testing.T, name string, stmts ...string) string {
	t.Helper()
	path := filepath.Join(h.store.Layout().GeneralDir(testCompany), name)
	execDB(t, path, stmts...)
	return path
}

func (h *harness) startup(hw string) *Startup {
	return NewStartup(StartupConfig{
		Remote:       h.client,
		Identity:     h.ident,
		Local:        h.store,
		Orchestrator: h.orch,
		HardwareID:   func() string { return hw },
		Fingerprint: func(context.Context) transport.NetworkFingerprint {
			return transport.NetworkFingerprint{GatewayMAC: "aa:bb:cc:dd:ee:ff"}
		},
	})
}

func execDB(t *testing.T, path string, stmts ...string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()
	for _, s := range stmts {
		_, err := db.Exec(s)
		require.NoError(t, err)
	}
}

func queryOne[T any](t *testing.T, path, q string) T {
	t.Helper()
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()
	var v T
	require.NoError(t, db.QueryRow(q).Scan(&v))
	return v
}

type progressLog struct {
	mu     sync.Mutex
	events []int
	msgs   []string
}

func (p *progressLog) Progress(msg string, pct int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, pct)
	p.msgs = append(p.msgs, msg)
}

func (p *progressLog) last() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.events) == 0 {
		return -1
	}
	return p.events[len(p.events)-1]
}

// blockingRemote holds GetDeltas until release is closed.
type blockingRemote struct {
	entered chan struct{}
	release chan struct{}
	ts      string
}

func newBlockingRemote(ts string) *blockingRemote {
	return &blockingRemote{entered: make(chan struct{}, 1), release: make(chan struct{}), ts: ts}
}

func (b *blockingRemote) PushRecords(context.Context, transport.PushPackage) (*transport.PushResponse, error) {
	return &transport.PushResponse{Status: "ok"}, nil
}

func (b *blockingRemote) GetDeltas(ctx context.Context, cursor string) (*transport.DeltaResponse, error) {
	select {
	case b.entered <- struct{}{}:
	default:
	}
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &transport.DeltaResponse{Deltas: map[string][]map[string]any{}, ServerSyncTimestamp: b.ts}, nil
}

// scriptedRemote answers each pull with the next timestamp of stamps and
// records the cursors it was asked for.
type scriptedRemote struct {
	mu      sync.Mutex
	stamps  []string
	next    int
	cursors []string
}

func (r *scriptedRemote) PushRecords(context.Context, transport.PushPackage) (*transport.PushResponse, error) {
	return &transport.PushResponse{Status: "ok"}, nil
}

func (r *scriptedRemote) GetDeltas(_ context.Context, cursor string) (*transport.DeltaResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cursors = append(r.cursors, cursor)
	ts := r.stamps[r.next]
	r.next++
	return &transport.DeltaResponse{Deltas: map[string][]map[string]any{}, ServerSyncTimestamp: ts}, nil
}
