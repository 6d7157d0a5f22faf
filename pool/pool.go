// Package pool manages the set of non-blocking TCP connections a
// download is spread across: dialing them round-robin over one or
// more mirrors, and re-establishing any of them on demand while
// carrying forward the in-flight request that was outstanding on the
// connection it replaces.
package pool

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rs/dnscache"
	"github.com/sirupsen/logrus"
	"github.com/yelinaung/go-haikunator"
)

// MaxConnections is the hard cap on concurrently open connections,
// including any transient +1 while an old connection is being
// replaced by a fresh one.
const MaxConnections = 10

// Mirror is one candidate source for the file, distinguished by host.
type Mirror struct {
	Scheme string
	Host   string
	Port   string
	Path   string
}

// ParseMirror parses url into a Mirror, defaulting the port to 80 and
// rejecting any scheme other than plain http, per the module's
// explicit HTTP/1.1-only, no-TLS scope.
func ParseMirror(raw string) (Mirror, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Mirror{}, fmt.Errorf("pool: parsing mirror URL %q: %w", raw, err)
	}
	if u.Scheme != "http" {
		return Mirror{}, fmt.Errorf("pool: mirror %q: scheme %q is not supported, only plain http is", raw, u.Scheme)
	}
	if u.Host == "" {
		return Mirror{}, fmt.Errorf("pool: mirror %q has no host", raw)
	}

	port := u.Port()
	if port == "" {
		port = "80"
	}

	return Mirror{
		Scheme: u.Scheme,
		Host:   u.Hostname(),
		Port:   port,
		Path:   u.EscapedPath(),
	}, nil
}

// ID identifies a connection record across its lifetime, including
// across re-establishment, which recycles the underlying net.Conn.
// It is assigned from an internal monotonically increasing counter,
// never from an OS socket handle.
type ID uint64

// Conn is one connection record (spec.md 4 "Connection record").
type Conn struct {
	ID         ID
	Name       string // haikunator-style friendly name, for log fields only
	MirrorIdx  int
	Mirror     Mirror
	Socket     net.Conn
	RecvBuf    []byte
	RequestBuf []byte

	Stack        int
	LastRecvTime time.Time

	TotalBytes int64
	Throughput float64 // bytes/sec, updated on close
}

// Pool owns the set of live connections and the mirrors they are
// spread across.
type Pool struct {
	mirrors  []Mirror
	resolver *dnscache.Resolver
	haiku    *haikunator.Haikunator
	dialer   net.Dialer

	mu      sync.Mutex
	conns   map[ID]*Conn
	order   []ID // dial/creation order, for deterministic iteration
	nextID  ID
}

// New builds a Pool over the given mirrors. mirrors must be non-empty
// and every element must already have been validated with
// ParseMirror.
func New(mirrors []Mirror) *Pool {
	return &Pool{
		mirrors:  mirrors,
		resolver: &dnscache.Resolver{},
		haiku:    haikunator.New(),
		conns:    make(map[ID]*Conn),
	}
}

// Distribution computes how many connections each mirror receives:
// floor(num/M) each, plus one extra to the first (num mod M) mirrors,
// where M is the mirror count.
func Distribution(num, mirrorCount int) []int {
	counts := make([]int, mirrorCount)
	base := num / mirrorCount
	extra := num % mirrorCount
	for i := range counts {
		counts[i] = base
		if i < extra {
			counts[i]++
		}
	}
	return counts
}

// DialAll opens num connections (clamped to MaxConnections) spread
// round-robin across the pool's mirrors and registers each with the
// pool. Returned connections are ordered by mirror, matching the
// order callers should use to issue the initial request burst.
func (p *Pool) DialAll(ctx context.Context, num int) ([]*Conn, error) {
	if num > MaxConnections {
		num = MaxConnections
	}
	if num <= 0 {
		return nil, fmt.Errorf("pool: connection count must be positive, got %d", num)
	}

	counts := Distribution(num, len(p.mirrors))

	conns := make([]*Conn, 0, num)
	for mi, n := range counts {
		for i := 0; i < n; i++ {
			c, err := p.dial(ctx, mi)
			if err != nil {
				for _, prior := range conns {
					_ = prior.Socket.Close()
				}
				return nil, err
			}
			conns = append(conns, c)
		}
	}

	return conns, nil
}

func (p *Pool) resolve(ctx context.Context, m Mirror) (string, error) {
	ips, err := p.resolver.LookupHost(ctx, m.Host)
	if err != nil {
		return "", fmt.Errorf("pool: resolving mirror host %q: %w", m.Host, err)
	}
	if len(ips) == 0 {
		return "", fmt.Errorf("pool: no addresses for mirror host %q", m.Host)
	}
	return net.JoinHostPort(ips[0], m.Port), nil
}

func (p *Pool) dial(ctx context.Context, mirrorIdx int) (*Conn, error) {
	m := p.mirrors[mirrorIdx]

	addr, err := p.resolve(ctx, m)
	if err != nil {
		return nil, err
	}

	socket, err := p.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("pool: dialing mirror %s (%s): %w", m.Host, addr, err)
	}

	p.mu.Lock()
	id := p.nextID
	p.nextID++
	c := &Conn{
		ID:           id,
		Name:         p.haiku.Haikunate(),
		MirrorIdx:    mirrorIdx,
		Mirror:       m,
		Socket:       socket,
		LastRecvTime: time.Now(),
	}
	p.conns[id] = c
	p.order = append(p.order, id)
	p.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"conn":   c.Name,
		"mirror": m.Host,
		"addr":   addr,
	}).Debug("pool: connection established")

	return c, nil
}

// Get returns the connection record for id, if still live.
func (p *Pool) Get(id ID) (*Conn, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.conns[id]
	return c, ok
}

// Snapshot returns the live connections in dial/creation order, stable
// across calls so health detectors can break ties deterministically.
func (p *Pool) Snapshot() []*Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Conn, 0, len(p.order))
	for _, id := range p.order {
		if c, ok := p.conns[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Reestablish opens a fresh connection to the same mirror as oldID,
// carries over its RequestBuf verbatim (the in-flight request is
// resent on the new socket by the caller), and closes and discards the
// old connection entirely: its RecvBuf and any partial body already
// received are dropped. The new connection starts with Stack=0 and a
// fresh LastRecvTime.
func (p *Pool) Reestablish(ctx context.Context, oldID ID) (*Conn, error) {
	p.mu.Lock()
	old, ok := p.conns[oldID]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("pool: connection %d is not live", oldID)
	}

	fresh, err := p.dial(ctx, old.MirrorIdx)
	if err != nil {
		return nil, err
	}
	fresh.RequestBuf = old.RequestBuf

	p.mu.Lock()
	delete(p.conns, oldID)
	for i, id := range p.order {
		if id == oldID {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	p.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"old_conn": old.Name,
		"new_conn": fresh.Name,
		"mirror":   old.Mirror.Host,
	}).Warn("pool: re-establishing connection")

	_ = old.Socket.Close()

	return fresh, nil
}

// Close closes every live connection and computes each one's final
// throughput for diagnostics.
func (p *Pool) Close(started time.Time) []*Conn {
	p.mu.Lock()
	defer p.mu.Unlock()

	elapsed := time.Since(started).Seconds()
	out := make([]*Conn, 0, len(p.order))
	for _, id := range p.order {
		c, ok := p.conns[id]
		if !ok {
			continue
		}
		if elapsed > 0 {
			c.Throughput = float64(c.TotalBytes) / elapsed
		}
		_ = c.Socket.Close()
		out = append(out, c)
	}
	p.conns = make(map[ID]*Conn)
	p.order = nil
	return out
}

// BuildRequest renders the GET range request for block [lo, hi] on
// mirror m, in the exact wire form the dispatcher sends and stores
// verbatim as the connection's RequestBuf for duplicate dispatch.
func BuildRequest(m Mirror, lo, hi int64) []byte {
	path := m.Path
	if path == "" {
		path = "/"
	}
	req := "GET " + path + " HTTP/1.1\r\n" +
		"Host: " + m.Host + "\r\n" +
		"Range: bytes=" + strconv.FormatInt(lo, 10) + "-" + strconv.FormatInt(hi, 10) + "\r\n" +
		"\r\n"
	return []byte(req)
}
