package report_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/CZERTAINLY/msfharvest/internal/model"
	"github.com/CZERTAINLY/msfharvest/internal/report"
	"github.com/stretchr/testify/require"
)

func TestHTTPWriter(t *testing.T) {
	t.Parallel()
	var got []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		got, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	}))
	t.Cleanup(srv.Close)

	w, err := report.NewHTTPWriter(srv.URL + "/api/v1/modules")
	require.NoError(t, err)
	require.NoError(t, report.Save(t.Context(), w, records(), model.FormatArray))
	require.Contains(t, string(got), "ms17_010_eternalblue")
}

func TestHTTPWriter_Fail(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario    string
		contentType string
		body        string
		then        string
	}{
		{"problem", "application/problem+json", `{"detail":"duplicate report"}`, "status code: 409, detail: duplicate report"},
		{"json error", "application/json", `{"error":"nope"}`, "status code: 409, detail: nope"},
		{"text", "text/plain", "go away", "status code: 409, body: go away"},
	}
	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", tt.contentType)
				w.WriteHeader(http.StatusConflict)
				_, _ = w.Write([]byte(tt.body))
			}))
			t.Cleanup(srv.Close)

			w, err := report.NewHTTPWriter(srv.URL)
			require.NoError(t, err)
			err = w.Write(t.Context(), []byte("[]"))
			require.EqualError(t, err, tt.then)
		})
	}
}

func TestNewHTTPWriter_Invalid(t *testing.T) {
	t.Parallel()
	for _, given := range []string{"", "ftp://example.com", "/relative", "http://"} {
		_, err := report.NewHTTPWriter(given)
		require.Error(t, err, given)
	}
}

func TestMulti(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	fw, err := report.NewFileWriter(dir, "a.json")
	require.NoError(t, err)
	t.Cleanup(func() { _ = fw.Close() })
	closed, err := report.NewFileWriter(dir, "b.json")
	require.NoError(t, err)
	require.NoError(t, closed.Close())

	err = report.Multi{fw, closed}.Write(t.Context(), []byte("[]\n"))
	require.Error(t, err)
	require.FileExists(t, dir+"/a.json")
}
