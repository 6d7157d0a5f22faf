package rangedl_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johejo/rangedl"
	"github.com/johejo/rangedl/health"
)

func rangeServer(t *testing.T, data []byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rangeHeader := r.Header.Get("Range")

		if rangeHeader == "" {
			w.Header().Set("Accept-Ranges", "bytes")
			w.Header().Set("Content-Length", strconv.Itoa(len(data)))
			if r.Method == http.MethodHead {
				w.WriteHeader(http.StatusOK)
				return
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(data)
			return
		}

		var lo, hi int64
		if _, err := fmt.Sscanf(rangeHeader, "bytes=%d-%d", &lo, &hi); err != nil {
			http.Error(w, "bad range", http.StatusBadRequest)
			return
		}
		if hi >= int64(len(data)) {
			hi = int64(len(data)) - 1
		}
		if lo < 0 || lo > hi {
			http.Error(w, "bad range", http.StatusRequestedRangeNotSatisfiable)
			return
		}

		body := data[lo : hi+1]
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", lo, hi, len(data)))
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(body)
	}))
}

func testData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func TestDownloadEvenSplit(t *testing.T) {
	data := testData(50_000)
	srv := rangeServer(t, data)
	defer srv.Close()

	out := filepath.Join(t.TempDir(), "out.bin")
	d := rangedl.New([]string{srv.URL + "/file.bin"},
		rangedl.WithNumConns(5),
		rangedl.WithPartSize(10_000),
		rangedl.WithOutputPath(out),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result, err := d.Download(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, len(data), result.Bytes)

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestDownloadWithTailBlock(t *testing.T) {
	data := testData(52_500)
	srv := rangeServer(t, data)
	defer srv.Close()

	out := filepath.Join(t.TempDir(), "out.bin")
	d := rangedl.New([]string{srv.URL + "/file.bin"},
		rangedl.WithNumConns(5),
		rangedl.WithPartSize(10_000),
		rangedl.WithOutputPath(out),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result, err := d.Download(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, len(data), result.Bytes)

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestDownloadSingleConnectionIsSequential(t *testing.T) {
	data := testData(25_000)
	srv := rangeServer(t, data)
	defer srv.Close()

	out := filepath.Join(t.TempDir(), "out.bin")
	d := rangedl.New([]string{srv.URL + "/file.bin"},
		rangedl.WithNumConns(1),
		rangedl.WithPartSize(10_000),
		rangedl.WithOutputPath(out),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := d.Download(ctx)
	require.NoError(t, err)

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestDownloadMultipleMirrorsMustAgreeOnLength(t *testing.T) {
	a := rangeServer(t, testData(1000))
	defer a.Close()
	b := rangeServer(t, testData(1001))
	defer b.Close()

	d := rangedl.New([]string{a.URL + "/f", b.URL + "/f"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := d.Download(ctx)
	require.Error(t, err)
}

func TestDownloadBadStatusDeletesOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") == "" {
			w.Header().Set("Accept-Ranges", "bytes")
			w.Header().Set("Content-Length", "1000")
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
	}))
	defer srv.Close()

	out := filepath.Join(t.TempDir(), "out.bin")
	d := rangedl.New([]string{srv.URL + "/f"},
		rangedl.WithNumConns(2),
		rangedl.WithPartSize(500),
		rangedl.WithOutputPath(out),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := d.Download(ctx)
	require.Error(t, err)

	_, statErr := os.Stat(out)
	assert.True(t, os.IsNotExist(statErr), "output file should have been deleted on a fatal HTTP error")
}

func TestDownloadWithStackV2Detector(t *testing.T) {
	data := testData(50_000)
	srv := rangeServer(t, data)
	defer srv.Close()

	out := filepath.Join(t.TempDir(), "out.bin")
	d := rangedl.New([]string{srv.URL + "/file.bin"},
		rangedl.WithNumConns(4),
		rangedl.WithPartSize(10_000),
		rangedl.WithOutputPath(out),
		rangedl.WithDetector(health.NewStackV2(5)),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := d.Download(ctx)
	require.NoError(t, err)

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}
