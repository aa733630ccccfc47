package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func newTestClient(fn roundTripFunc) *Client {
	return NewClient(Config{
		BaseURL: "http://example.invalid/",
		HTTP:    &http.Client{Transport: fn},
	})
}

func TestVerifyTerminal_OK(t *testing.T) {
	client := newTestClient(func(r *http.Request) (*http.Response, error) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/auth/verificar-terminal", r.URL.Path)
		require.Empty(t, r.Header.Get("Authorization"))

		var req VerifyRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "hw-1", req.TerminalID)
		require.Equal(t, "aa:bb:cc:dd:ee:ff", req.GatewayMAC)

		return jsonResponse(200, `{"status":"ok","access_token":"tok","id_empresa":"MOD_EMP_1001","id_sucursal":52}`), nil
	})

	res := client.VerifyTerminal(context.Background(), "hw-1", NetworkFingerprint{GatewayMAC: "aa:bb:cc:dd:ee:ff"})
	require.Equal(t, StatusOK, res.Status)
	require.Equal(t, "tok", res.AccessToken)
	require.Equal(t, "MOD_EMP_1001", res.CompanyID)
	require.Equal(t, int64(52), res.BranchID)
	require.False(t, res.Unreachable)
}

func TestVerifyTerminal_ErrorBodyIsAResult(t *testing.T) {
	client := newTestClient(func(r *http.Request) (*http.Response, error) {
		return jsonResponse(409, `{"status":"location_mismatch","sugerencia_migracion":{"id":7,"nombre":"Cumbres"},"sucursales_existentes":[{"id":52,"nombre":"Centro"},{"id":7,"nombre":"Cumbres"}]}`), nil
	})

	res := client.VerifyTerminal(context.Background(), "hw-1", NetworkFingerprint{})
	require.Equal(t, StatusLocationMismatch, res.Status)
	require.NotNil(t, res.Suggestion)
	require.Equal(t, int64(7), res.Suggestion.ID)
	require.Len(t, res.Branches, 2)
}

func TestVerifyTerminal_ErrorWithoutStatus(t *testing.T) {
	client := newTestClient(func(r *http.Request) (*http.Response, error) {
		return jsonResponse(403, `{"detail":{"code":"blocked","reason":"manual"}}`), nil
	})

	res := client.VerifyTerminal(context.Background(), "hw-1", NetworkFingerprint{})
	require.Equal(t, StatusError, res.Status)
	require.Equal(t, Detail(`{"code":"blocked","reason":"manual"}`), res.Detail)
	require.False(t, res.Unreachable)
}

func TestVerifyTerminal_UnreachableIsSynthetic(t *testing.T) {
	client := newTestClient(func(r *http.Request) (*http.Response, error) {
		return nil, errors.New("dial tcp: connection refused")
	})

	res := client.VerifyTerminal(context.Background(), "hw-1", NetworkFingerprint{})
	require.Equal(t, StatusError, res.Status)
	require.True(t, res.Unreachable)
	require.NotEmpty(t, res.Detail)
}

func TestLookupTerminal(t *testing.T) {
	client := newTestClient(func(r *http.Request) (*http.Response, error) {
		require.Equal(t, "/terminales/buscar-por-hardware", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body["id_terminal"] == "known" {
			return jsonResponse(200, `{"id_terminal":"known","nombre_terminal":"Caja 1","id_sucursal":52}`), nil
		}
		return jsonResponse(404, `{"detail":"Terminal no encontrada"}`), nil
	})

	info, err := client.LookupTerminal(context.Background(), "known")
	require.NoError(t, err)
	require.Equal(t, "Caja 1", info.Name)

	_, err = client.LookupTerminal(context.Background(), "unknown")
	require.ErrorIs(t, err, ErrTerminalNotFound)
}

func TestAuthenticatedCallsRequireToken(t *testing.T) {
	calls := 0
	client := newTestClient(func(r *http.Request) (*http.Response, error) {
		calls++
		return jsonResponse(200, `{}`), nil
	})

	_, err := client.GetDeltas(context.Background(), "1970-01-01T00:00:00+00:00")
	require.ErrorIs(t, err, ErrNoToken)
	_, err = client.PushRecords(context.Background(), PushPackage{TableName: "ventas"})
	require.ErrorIs(t, err, ErrNoToken)
	_, err = client.InitializeSync(context.Background())
	require.ErrorIs(t, err, ErrNoToken)
	_, err = client.PullDBFile(context.Background(), "k", filepath.Join(t.TempDir(), "x.sqlite"))
	require.ErrorIs(t, err, ErrNoToken)
	require.Zero(t, calls)
}

func TestGetDeltas_KeepsNumbersExact(t *testing.T) {
	client := newTestClient(func(r *http.Request) (*http.Response, error) {
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		var req DeltaRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "2024-01-01T00:00:00+00:00", req.Global)
		return jsonResponse(200, `{"deltas":{"ventas":[{"uuid":"u1","total":9007199254740993,"precio":10.5}]},"server_sync_timestamp":"2024-01-02T00:00:00+00:00"}`), nil
	})
	client.SetAuthToken("tok")

	resp, err := client.GetDeltas(context.Background(), "2024-01-01T00:00:00+00:00")
	require.NoError(t, err)
	require.Equal(t, 1, resp.RecordCount())
	row := resp.Deltas["ventas"][0]
	require.Equal(t, json.Number("9007199254740993"), row["total"])
	require.Equal(t, "2024-01-02T00:00:00+00:00", resp.ServerSyncTimestamp)
}

func TestAPIErrorDetail(t *testing.T) {
	cases := []struct {
		body string
		want string
	}{
		{`{"detail":"Registro invalido"}`, "Registro invalido"},
		{`{"detail":[{"loc":["body","records"],"msg":"field required"}]}`, `[{"loc":["body","records"],"msg":"field required"}]`},
		{`<html>Bad Gateway</html>`, "Error desconocido del servidor."},
	}
	for i, tc := range cases {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			client := newTestClient(func(r *http.Request) (*http.Response, error) {
				return jsonResponse(422, tc.body), nil
			})
			client.SetAuthToken("tok")

			_, err := client.PushRecords(context.Background(), PushPackage{TableName: "ventas"})
			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			require.Equal(t, 422, apiErr.StatusCode)
			require.Equal(t, tc.want, apiErr.Detail)
			require.False(t, IsUnreachable(err))
		})
	}
}

func TestNetworkErrorIsUnreachable(t *testing.T) {
	client := newTestClient(func(r *http.Request) (*http.Response, error) {
		return nil, errors.New("no route to host")
	})
	client.SetAuthToken("tok")

	_, err := client.PushRecords(context.Background(), PushPackage{TableName: "ventas"})
	require.Error(t, err)
	require.True(t, IsUnreachable(err))
	require.Zero(t, StatusCode(err))
}

func TestPullDBFile_WritesAtomically(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "MOD_EMP_1001", "suc_52", "ventas.sqlite")

	client := newTestClient(func(r *http.Request) (*http.Response, error) {
		require.Equal(t, "/sync/files", r.URL.Path)
		require.Equal(t, "MOD_EMP_1001/suc_52/ventas.sqlite", r.URL.Query().Get("key"))
		return &http.Response{StatusCode: 200, Body: io.NopCloser(strings.NewReader("SQLite format 3\x00payload"))}, nil
	})
	client.SetAuthToken("tok")

	n, err := client.PullDBFile(context.Background(), "MOD_EMP_1001/suc_52/ventas.sqlite", dest)
	require.NoError(t, err)
	require.Equal(t, int64(len("SQLite format 3\x00payload")), n)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, "SQLite format 3\x00payload", string(data))

	entries, err := os.ReadDir(filepath.Dir(dest))
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temp files left behind")
}

type failingReader struct{ sent bool }

func (f *failingReader) Read(p []byte) (int, error) {
	if !f.sent {
		f.sent = true
		return copy(p, "partial"), nil
	}
	return 0, errors.New("connection reset")
}

func TestPullDBFile_InterruptedLeavesExistingFile(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "ventas.sqlite")
	require.NoError(t, os.WriteFile(dest, []byte("old"), 0o644))

	client := newTestClient(func(r *http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: 200, Body: io.NopCloser(&failingReader{})}, nil
	})
	client.SetAuthToken("tok")

	_, err := client.PullDBFile(context.Background(), "ventas.sqlite", dest)
	require.Error(t, err)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, "old", string(data))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestUploadDBFile(t *testing.T) {
	src := filepath.Join(t.TempDir(), "productos.sqlite")
	require.NoError(t, os.WriteFile(src, []byte("db-bytes"), 0o644))

	var got []byte
	client := newTestClient(func(r *http.Request) (*http.Response, error) {
		require.Equal(t, http.MethodPut, r.Method)
		require.Equal(t, "MOD_EMP_1001/databases_generales/productos.sqlite", r.URL.Query().Get("key"))
		require.Equal(t, int64(8), r.ContentLength)
		got, _ = io.ReadAll(r.Body)
		return jsonResponse(200, `{}`), nil
	})
	client.SetAuthToken("tok")

	require.NoError(t, client.UploadDBFile(context.Background(), "MOD_EMP_1001/databases_generales/productos.sqlite", src))
	require.Equal(t, "db-bytes", string(got))
}
