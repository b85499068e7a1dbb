package fetcher

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonthlyURL(t *testing.T) {
	url := MonthlyURL("https://example.com/trip-data", "yellow", 2025, 3)
	assert.Equal(t, "https://example.com/trip-data/yellow_tripdata_2025-03.csv.gz", url)
}

func TestMonthRange(t *testing.T) {
	tests := []struct {
		name  string
		start [2]int
		end   [2]int
		want  [][2]int
	}{
		{"single month", [2]int{2025, 1}, [2]int{2025, 1}, [][2]int{{2025, 1}}},
		{"within year", [2]int{2025, 1}, [2]int{2025, 3}, [][2]int{{2025, 1}, {2025, 2}, {2025, 3}}},
		{"year boundary", [2]int{2024, 11}, [2]int{2025, 2},
			[][2]int{{2024, 11}, {2024, 12}, {2025, 1}, {2025, 2}}},
		{"end before start", [2]int{2025, 3}, [2]int{2025, 1}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MonthRange(tt.start[0], tt.start[1], tt.end[0], tt.end[1])
			assert.Equal(t, tt.want, got)
		})
	}
}

func extractBody() []byte {
	return bytes.Repeat([]byte("vendor,pickup\n"), 2048) // comfortably above the size floor
}

func TestDownloadToFile(t *testing.T) {
	body := extractBody()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "tester/1.0", r.Header.Get("User-Agent"))
		w.Write(body) //nolint:errcheck
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "raw", "yellow_tripdata_2025-01.csv.gz")
	c := New(Options{UserAgent: "tester/1.0", RateLimit: 1000, Burst: 1000})

	n, err := c.DownloadToFile(context.Background(), srv.URL, dest)
	require.NoError(t, err)
	assert.Equal(t, int64(len(body)), n)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, body, got)

	// No temp file left behind.
	_, err = os.Stat(dest + ".part")
	assert.True(t, os.IsNotExist(err))
}

func TestDownloadToFile_RetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	body := extractBody()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write(body) //nolint:errcheck
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "out.csv.gz")
	c := New(Options{MaxRetries: 2, RateLimit: 1000, Burst: 1000})

	n, err := c.DownloadToFile(context.Background(), srv.URL, dest)
	require.NoError(t, err)
	assert.Equal(t, int64(len(body)), n)
	assert.Equal(t, int32(2), calls.Load())
}

func TestDownloadToFile_NotFoundExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "out.csv.gz")
	c := New(Options{MaxRetries: 1, RateLimit: 1000, Burst: 1000})

	_, err := c.DownloadToFile(context.Background(), srv.URL, dest)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
	assert.Equal(t, int32(2), calls.Load())

	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))
}

func TestDownloadToFile_RejectsTruncatedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("tiny")) //nolint:errcheck
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "out.csv.gz")
	c := New(Options{MaxRetries: 1, RateLimit: 1000, Burst: 1000})

	_, err := c.DownloadToFile(context.Background(), srv.URL, dest)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "suspiciously small")

	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))
}

func TestDownloadToFile_CancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := New(Options{MaxRetries: 3, RateLimit: 1000, Burst: 1000})
	_, err := c.DownloadToFile(ctx, srv.URL, filepath.Join(t.TempDir(), "out.csv.gz"))
	require.Error(t, err)
}
