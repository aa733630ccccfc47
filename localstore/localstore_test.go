package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ModulabyAddsy/modula-pos/deltacodec"
)

const (
	testCompany = "MOD_EMP_1001"
	testBranch  = int64(52)
)

const productosDDL = `CREATE TABLE productos (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	uuid TEXT,
	nombre TEXT,
	precio REAL,
	last_modified TEXT,
	needs_sync INTEGER DEFAULT 0
)`

const ventasDDL = `CREATE TABLE ventas (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	uuid TEXT UNIQUE,
	total REAL,
	last_modified INTEGER,
	needs_sync INTEGER DEFAULT 0
)`

func createDB(t *testing.T, path string, stmts ...string) {
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

func queryRow(t *testing.T, path, q string, args []any, dest ...any) {
	t.Helper()
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.QueryRow(q, args...).Scan(dest...))
}

// newFixture lays out a company with one general and one branch database.
func newFixture(t *testing.T) (*Store, string, string) {
	t.Helper()
	s := New(t.TempDir(), Options{})
	general := filepath.Join(s.Layout().GeneralDir(testCompany), "productos.sqlite")
	branch := filepath.Join(s.Layout().BranchDir(testCompany, testBranch), "ventas.sqlite")

	createDB(t, general, productosDDL,
		`INSERT INTO productos (uuid, nombre, precio, last_modified, needs_sync) VALUES
			('p-1', 'Cafe', 35.5, '2024-05-01T10:00:00+00:00', 1),
			('p-2', 'Te', 20, '2024-05-01T09:00:00+00:00', 0)`)
	createDB(t, branch, ventasDDL,
		`CREATE TABLE ajustes (clave TEXT, valor TEXT)`,
		`INSERT INTO ajustes VALUES ('impresora', 'EPSON')`,
		`INSERT INTO ventas (uuid, total, last_modified, needs_sync) VALUES
			('v-1', 100, 1700000000, 1),
			('v-2', 50, 1699990000, 1)`)
	return s, general, branch
}

func TestLayout(t *testing.T) {
	l := Layout{DataDir: "/data"}
	require.Equal(t, filepath.Join("/data", "Databases", testCompany, "suc_52"), l.BranchDir(testCompany, 52))
	require.Equal(t, filepath.Join("/data", "Databases", testCompany, "databases_generales"), l.GeneralDir(testCompany))

	dest, err := l.DestinationFor("MOD_EMP_1001/suc_52/ventas.sqlite")
	require.NoError(t, err)
	require.Equal(t, filepath.Join("/data", "Databases", "MOD_EMP_1001", "suc_52", "ventas.sqlite"), dest)

	key, err := l.CloudKey(dest)
	require.NoError(t, err)
	require.Equal(t, "MOD_EMP_1001/suc_52/ventas.sqlite", key)

	for _, bad := range []string{"../etc/passwd", "a/../../x", "", ".."} {
		_, err := l.DestinationFor(bad)
		require.ErrorIs(t, err, ErrKeyOutsideRoot, bad)
	}
}

func TestTableConfig(t *testing.T) {
	c := DefaultTableConfig()
	require.Equal(t, "uuid", c.PrimaryKeyFor("Ventas"))
	require.Equal(t, "uuid", c.PrimaryKeyFor("inventario"))
	require.True(t, c.IsGeneral("productos"))
	require.False(t, c.IsGeneral("ventas"))
}

func TestCollectPending(t *testing.T) {
	s, _, _ := newFixture(t)
	ctx := context.Background()

	batches, err := s.CollectPending(ctx, testCompany)
	require.NoError(t, err)
	require.Len(t, batches, 2)

	// Sorted by file path: databases_generales before suc_52.
	prod := batches[0]
	require.Equal(t, "productos", prod.Package.TableName)
	require.Equal(t, "MOD_EMP_1001/databases_generales/productos.sqlite", prod.Package.DBRelativePath)
	require.Equal(t, "uuid", prod.Package.PrimaryKeyColumn)
	require.Len(t, prod.Package.Records, 1)
	rec := prod.Package.Records[0]
	require.Equal(t, "p-1", rec["uuid"])
	require.Equal(t, "Cafe", rec["nombre"])
	require.NotContains(t, rec, lastModifiedTextAlias)
	require.True(t, prod.HasLastModified)

	ventas := batches[1]
	require.Equal(t, "ventas", ventas.Package.TableName)
	require.Len(t, ventas.Package.Records, 2)
	require.Len(t, ventas.Keys, 2)
	require.Equal(t, "1700000000", ventas.Keys[0].LastModified.String)

	// Every record must encode as JSON.
	_, err = json.Marshal(batches[1].Package)
	require.NoError(t, err)
}

func TestCollectPending_NoCompanyDir(t *testing.T) {
	s := New(t.TempDir(), Options{})
	batches, err := s.CollectPending(context.Background(), "MOD_EMP_404")
	require.NoError(t, err)
	require.Empty(t, batches)

	ok, err := s.HasLocalData("MOD_EMP_404")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCollectPending_BinaryUUIDInTextColumn(t *testing.T) {
	s := New(t.TempDir(), Options{})
	path := filepath.Join(s.Layout().BranchDir(testCompany, testBranch), "ventas.sqlite")
	createDB(t, path, ventasDDL,
		`INSERT INTO ventas (uuid, total, last_modified, needs_sync) VALUES (X'6BA7B8109DAD11D180B400C04FD430C8', 10, 1700000000, 1)`)

	batches, err := s.CollectPending(context.Background(), testCompany)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	require.Equal(t, "6ba7b810-9dad-11d1-80b4-00c04fd430c8", batches[0].Package.Records[0]["uuid"])

	raw, err := json.Marshal(batches[0].Package)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"uuid":"6ba7b810-9dad-11d1-80b4-00c04fd430c8"`)

	// The row is still found by its stored bytes when it is cleared.
	cleared, err := s.MarkSynced(context.Background(), batches)
	require.NoError(t, err)
	require.Equal(t, int64(1), cleared)
}

func TestCollectPending_TableWithoutUUIDStaysDirty(t *testing.T) {
	s := New(t.TempDir(), Options{})
	path := filepath.Join(s.Layout().BranchDir(testCompany, testBranch), "cortes.sqlite")
	createDB(t, path,
		`CREATE TABLE cortes (id INTEGER PRIMARY KEY, monto REAL, needs_sync INTEGER)`,
		`INSERT INTO cortes (monto, needs_sync) VALUES (500, 1)`)

	batches, err := s.CollectPending(context.Background(), testCompany)
	require.NoError(t, err)
	require.Empty(t, batches)

	cleared, err := s.MarkSynced(context.Background(), batches)
	require.NoError(t, err)
	require.Zero(t, cleared)

	var dirty int
	queryRow(t, path, `SELECT needs_sync FROM cortes`, nil, &dirty)
	require.Equal(t, 1, dirty)
}

func TestMarkSynced_LeavesRowsEditedAfterCollection(t *testing.T) {
	s, _, branch := newFixture(t)
	ctx := context.Background()

	batches, err := s.CollectPending(ctx, testCompany)
	require.NoError(t, err)

	// v-2 is edited locally while the push is in flight.
	db, err := sql.Open("sqlite3", branch)
	require.NoError(t, err)
	_, err = db.Exec(`UPDATE ventas SET total = 75, last_modified = 1700000500, needs_sync = 1 WHERE uuid = 'v-2'`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	cleared, err := s.MarkSynced(ctx, batches)
	require.NoError(t, err)
	require.Equal(t, int64(2), cleared) // p-1 and v-1

	var dirty int
	queryRow(t, branch, `SELECT needs_sync FROM ventas WHERE uuid = 'v-2'`, nil, &dirty)
	require.Equal(t, 1, dirty)
	queryRow(t, branch, `SELECT needs_sync FROM ventas WHERE uuid = 'v-1'`, nil, &dirty)
	require.Equal(t, 0, dirty)

	again, err := s.CollectPending(ctx, testCompany)
	require.NoError(t, err)
	require.Len(t, again, 1)
	require.Equal(t, "v-2", again[0].Package.Records[0]["uuid"])
}

func TestMarkSynced_NullLastModified(t *testing.T) {
	s := New(t.TempDir(), Options{})
	path := filepath.Join(s.Layout().BranchDir(testCompany, testBranch), "egresos.sqlite")
	createDB(t, path,
		`CREATE TABLE egresos (uuid TEXT, monto REAL, last_modified TEXT, needs_sync INTEGER)`,
		`INSERT INTO egresos VALUES ('e-1', 10, NULL, 1)`)

	batches, err := s.CollectPending(context.Background(), testCompany)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	require.False(t, batches[0].Keys[0].LastModified.Valid)

	cleared, err := s.MarkSynced(context.Background(), batches)
	require.NoError(t, err)
	require.Equal(t, int64(1), cleared)
}

func TestApplyDeltas_ServerWins(t *testing.T) {
	s, general, branch := newFixture(t)
	ctx := context.Background()

	deltas := map[string][]map[string]any{
		"productos": {
			// Local dirty row: the server copy replaces it.
			{"id": json.Number("999"), "uuid": "p-1", "nombre": "Cafe Americano", "precio": json.Number("40"), "last_modified": "2024-05-02T00:00:00+00:00", "needs_sync": json.Number("1"), "server_only": "x"},
			// New row.
			{"uuid": "p-3", "nombre": "Pan", "precio": json.Number("12.5"), "last_modified": "2024-05-02T00:00:00+00:00"},
		},
		"ventas":     {{"uuid": "v-9", "total": json.Number("10"), "last_modified": json.Number("1700001000")}},
		"inventario": {{"uuid": "i-1"}},
	}

	stats, err := s.ApplyDeltas(ctx, testCompany, deltas)
	require.NoError(t, err)
	require.Equal(t, 3, stats.Applied)
	require.Equal(t, []string{"inventario"}, stats.SkippedTables)
	require.Equal(t, 1, stats.SkippedRecords)
	require.Equal(t, 2, stats.Files)

	var nombre string
	var precio float64
	var needsSync, id int
	queryRow(t, general, `SELECT id, nombre, precio, needs_sync FROM productos WHERE uuid = 'p-1'`, nil, &id, &nombre, &precio, &needsSync)
	require.Equal(t, 1, id, "local id is never overwritten")
	require.Equal(t, "Cafe Americano", nombre)
	require.Equal(t, 40.0, precio)
	require.Equal(t, 0, needsSync)

	var count int
	queryRow(t, general, `SELECT COUNT(*) FROM productos`, nil, &count)
	require.Equal(t, 3, count)
	queryRow(t, branch, `SELECT needs_sync FROM ventas WHERE uuid = 'v-9'`, nil, &needsSync)
	require.Equal(t, 0, needsSync)

	// Applying the same deltas again changes nothing.
	_, err = s.ApplyDeltas(ctx, testCompany, deltas)
	require.NoError(t, err)
	queryRow(t, general, `SELECT COUNT(*) FROM productos`, nil, &count)
	require.Equal(t, 3, count)
}

func TestApplyDeltas_BlobUUID(t *testing.T) {
	s := New(t.TempDir(), Options{})
	path := filepath.Join(s.Layout().GeneralDir(testCompany), "clientes.sqlite")
	createDB(t, path, `CREATE TABLE clientes (uuid BLOB PRIMARY KEY, nombre TEXT, needs_sync INTEGER DEFAULT 0)`)

	id := "6f1c1c8e-4a3b-4a4f-9d54-1b2b3c4d5e6f"
	deltas := map[string][]map[string]any{"clientes": {{"uuid": id, "nombre": "Ana"}}}
	_, err := s.ApplyDeltas(context.Background(), testCompany, deltas)
	require.NoError(t, err)

	var n int
	queryRow(t, path, `SELECT COUNT(*) FROM clientes WHERE length(uuid) = 16`, nil, &n)
	require.Equal(t, 1, n)

	batches, err := s.CollectPending(context.Background(), testCompany)
	require.NoError(t, err)
	require.Empty(t, batches)
}

func TestComputeHighWaterMarks(t *testing.T) {
	s, _, branch := newFixture(t)
	createDB(t, filepath.Join(filepath.Dir(branch), "ingresos.sqlite"),
		`CREATE TABLE ingresos (uuid TEXT, last_modified TEXT, needs_sync INTEGER)`)

	marks, err := s.ComputeHighWaterMarks(context.Background(), testCompany)
	require.NoError(t, err)
	require.Equal(t, "2023-11-14T22:13:20+00:00", marks["ventas"])
	require.Equal(t, "2024-05-01T10:00:00+00:00", marks["productos"])
	require.Equal(t, deltacodec.EpochSentinel, marks["ingresos"])
	require.NotContains(t, marks, "ajustes")
}

func TestTableFilesAndSyncableTables(t *testing.T) {
	s, general, branch := newFixture(t)
	ctx := context.Background()

	owners, err := s.TableFiles(ctx, testCompany)
	require.NoError(t, err)
	require.Equal(t, general, owners["productos"])
	require.Equal(t, branch, owners["ventas"])
	require.Equal(t, branch, owners["ajustes"])

	tables, err := s.SyncableTables(ctx, testCompany)
	require.NoError(t, err)
	require.Equal(t, []string{"productos", "ventas"}, tables)

	ok, err := s.HasLocalData(testCompany)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMigrate(t *testing.T) {
	s, general, _ := newFixture(t)
	ctx := context.Background()

	require.NoError(t, Migrate(ctx, general, []string{
		`ALTER TABLE productos ADD COLUMN codigo_barras TEXT`,
		`UPDATE productos SET codigo_barras = 'N/A'`,
	}))
	var code string
	queryRow(t, general, `SELECT codigo_barras FROM productos WHERE uuid = 'p-1'`, nil, &code)
	require.Equal(t, "N/A", code)

	// Second statement fails: the first must be rolled back.
	err := Migrate(ctx, general, []string{
		`ALTER TABLE productos ADD COLUMN stock INTEGER`,
		`UPDATE tabla_inexistente SET x = 1`,
	})
	require.Error(t, err)
	db, err := sql.Open("sqlite3", general)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(`SELECT stock FROM productos`)
	require.Error(t, err, "column must not exist after rollback")

	err = Migrate(ctx, filepath.Join(t.TempDir(), "missing.sqlite"), []string{"SELECT 1"})
	require.ErrorIs(t, err, ErrDatabaseNotFound)

	results := s.MigrateAll(ctx, []MigrationPlan{
		{Path: filepath.Join(t.TempDir(), "missing.sqlite"), Statements: []string{"SELECT 1"}},
		{Path: general, Statements: []string{`CREATE INDEX IF NOT EXISTS idx_nombre ON productos(nombre)`}},
	})
	require.Len(t, results, 2)
	require.Error(t, results[0].Err)
	require.NoError(t, results[1].Err)
}
