package pool

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDistributionEvenSplit(t *testing.T) {
	assert.Equal(t, []int{2, 2, 2}, Distribution(6, 3))
}

func TestDistributionRemainderGoesToFirstMirrors(t *testing.T) {
	assert.Equal(t, []int{2, 2, 1}, Distribution(5, 3))
}

func TestDistributionSingleMirrorGetsAll(t *testing.T) {
	assert.Equal(t, []int{5}, Distribution(5, 1))
}

func TestParseMirrorDefaultsPort(t *testing.T) {
	m, err := ParseMirror("http://example.com/file.bin")
	require.NoError(t, err)
	assert.Equal(t, "example.com", m.Host)
	assert.Equal(t, "80", m.Port)
	assert.Equal(t, "/file.bin", m.Path)
}

func TestParseMirrorRejectsHTTPS(t *testing.T) {
	_, err := ParseMirror("https://example.com/file.bin")
	require.Error(t, err)
}

func TestParseMirrorRejectsMissingHost(t *testing.T) {
	_, err := ParseMirror("http:///file.bin")
	require.Error(t, err)
}

func TestBuildRequest(t *testing.T) {
	m := Mirror{Scheme: "http", Host: "example.com", Port: "80", Path: "/file.bin"}
	got := string(BuildRequest(m, 0, 999))
	want := "GET /file.bin HTTP/1.1\r\n" +
		"Host: example.com\r\n" +
		"Range: bytes=0-999\r\n" +
		"\r\n"
	assert.Equal(t, want, got)
}

func TestBuildRequestDefaultsEmptyPath(t *testing.T) {
	m := Mirror{Scheme: "http", Host: "example.com", Port: "80", Path: ""}
	got := string(BuildRequest(m, 0, 9))
	assert.Contains(t, got, "GET / HTTP/1.1\r\n")
}

// fakeMirrorListener starts a TCP listener that accepts and holds
// connections open without speaking any protocol over them, enough for
// DialAll/Reestablish to exercise their socket bookkeeping.
func fakeMirrorListener(t *testing.T) (Mirror, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				<-done
				_ = conn.Close()
			}()
		}
	}()

	host, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)

	m := Mirror{Scheme: "http", Host: host, Port: port, Path: "/f"}
	cleanup := func() {
		close(done)
		_ = ln.Close()
	}
	return m, cleanup
}

func TestPoolDialAllRoundRobinsAcrossMirrors(t *testing.T) {
	m1, cleanup1 := fakeMirrorListener(t)
	defer cleanup1()
	m2, cleanup2 := fakeMirrorListener(t)
	defer cleanup2()

	p := New([]Mirror{m1, m2})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conns, err := p.DialAll(ctx, 3)
	require.NoError(t, err)
	require.Len(t, conns, 3)

	counts := map[int]int{}
	for _, c := range conns {
		counts[c.MirrorIdx]++
		assert.NotEmpty(t, c.Name)
	}
	assert.Equal(t, 2, counts[0])
	assert.Equal(t, 1, counts[1])

	snap := p.Snapshot()
	assert.Len(t, snap, 3)
}

func TestPoolDialAllClampsToMaxConnections(t *testing.T) {
	m, cleanup := fakeMirrorListener(t)
	defer cleanup()

	p := New([]Mirror{m})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conns, err := p.DialAll(ctx, MaxConnections+5)
	require.NoError(t, err)
	assert.Len(t, conns, MaxConnections)
}

func TestPoolReestablishCarriesRequestBufAndDropsFromOrder(t *testing.T) {
	m, cleanup := fakeMirrorListener(t)
	defer cleanup()

	p := New([]Mirror{m})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conns, err := p.DialAll(ctx, 1)
	require.NoError(t, err)
	old := conns[0]
	old.RequestBuf = []byte("GET /f HTTP/1.1\r\n\r\n")
	old.RecvBuf = []byte("partial")

	fresh, err := p.Reestablish(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, old.RequestBuf, fresh.RequestBuf)
	assert.Nil(t, fresh.RecvBuf)
	assert.Zero(t, fresh.Stack)
	assert.NotEqual(t, old.ID, fresh.ID)

	_, ok := p.Get(old.ID)
	assert.False(t, ok, "old connection must no longer be tracked")

	snap := p.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, fresh.ID, snap[0].ID)
}

func TestPoolCloseComputesThroughput(t *testing.T) {
	m, cleanup := fakeMirrorListener(t)
	defer cleanup()

	p := New([]Mirror{m})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conns, err := p.DialAll(ctx, 1)
	require.NoError(t, err)
	conns[0].TotalBytes = 1000

	started := time.Now().Add(-time.Second)
	closed := p.Close(started)
	require.Len(t, closed, 1)
	assert.Greater(t, closed[0].Throughput, 0.0)

	assert.Empty(t, p.Snapshot())
}
