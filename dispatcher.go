package rangedl

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/johejo/rangedl/health"
	"github.com/johejo/rangedl/httpframe"
	"github.com/johejo/rangedl/plan"
	"github.com/johejo/rangedl/pool"
	"github.com/johejo/rangedl/stats"
	"github.com/johejo/rangedl/writer"
)

// recvEvent is what a connection's reader goroutine reports back to
// the dispatcher goroutine: either a chunk of bytes read off the
// socket, or the error that ended the read loop. This is the Go
// equivalent of a readiness event from a selectors-style multiplexer:
// the reader goroutines only ever produce events, all state mutation
// happens in the single dispatcher goroutine that consumes them.
type recvEvent struct {
	id   pool.ID
	data []byte
	err  error
}

type dispatcher struct {
	d    *Downloader
	pool *pool.Pool
	plan plan.Plan
	file *os.File
	path string

	conns   map[pool.ID]*pool.Conn
	order   []pool.ID // stable iteration order, survives re-establishment in place
	events  chan recvEvent

	nextIndex int64
	lastFD    pool.ID
	hasLastFD bool

	list *writer.List

	totalBytes int64
	started    time.Time
}

func newDispatcher(d *Downloader, p *pool.Pool, pl plan.Plan, file *os.File, path string) *dispatcher {
	return &dispatcher{
		d:       d,
		pool:    p,
		plan:    pl,
		file:    file,
		path:    path,
		conns:   make(map[pool.ID]*pool.Conn),
		events:  make(chan recvEvent, 64),
		list:    writer.NewList(pl.TotalBlocks()),
		started: time.Now(),
	}
}

// abortErr wraps a fatal *httpframe.HTTPResponseError so Download's
// caller can distinguish "we deleted the output file" aborts from
// ordinary errors, without changing its error type.
type abortErr struct {
	inner error
}

func (e *abortErr) Error() string { return e.inner.Error() }
func (e *abortErr) Unwrap() error { return e.inner }

func (disp *dispatcher) run(ctx context.Context) (Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	numConns := disp.d.numConns
	if numConns <= 0 {
		numConns = 5
	}
	if numConns > pool.MaxConnections {
		numConns = pool.MaxConnections
	}

	conns, err := disp.pool.DialAll(ctx, numConns)
	if err != nil {
		disp.file.Close()
		os.Remove(disp.path)
		return Result{}, err
	}

	for _, c := range conns {
		disp.conns[c.ID] = c
		disp.order = append(disp.order, c.ID)
		startReader(ctx, c, disp.events)
	}

	if err := disp.sendInitialBurst(); err != nil {
		disp.cleanupFatal()
		return disp.result(), err
	}

	ticker := time.NewTicker(disp.pollInterval())
	defer ticker.Stop()

	for disp.totalBytes < disp.plan.Length {
		select {
		case <-ctx.Done():
			disp.file.Close()
			return disp.result(), ctx.Err()

		case ev := <-disp.events:
			conn, ok := disp.conns[ev.id]
			if !ok {
				continue // stale event from a since-replaced connection
			}
			if ev.err != nil {
				disp.d.log.WithError(ev.err).WithField("conn", conn.Name).Warn("rangedl: read error, re-establishing connection")
				disp.duplicateRequest(ctx, ev.id)
				continue
			}
			conn.RecvBuf = append(conn.RecvBuf, ev.data...)
			conn.LastRecvTime = time.Now()

		case <-ticker.C:
			// wake up periodically so the TIMEOUT detector can fire
			// even without new bytes arriving (DESIGN NOTES).
		}

		if err := disp.drainCompleteResponses(); err != nil {
			disp.cleanupFatal()
			return disp.result(), err
		}

		disp.runDetector(ctx)

		if _, err := disp.list.Drain(disp.file); err != nil {
			disp.cleanupFatal()
			return disp.result(), err
		}
	}

	if err := disp.file.Close(); err != nil {
		return disp.result(), fmt.Errorf("rangedl: closing output file: %w", err)
	}

	return disp.result(), nil
}

func (disp *dispatcher) pollInterval() time.Duration {
	if disp.d.pollInterval <= 0 {
		return time.Second
	}
	return disp.d.pollInterval
}

func (disp *dispatcher) cleanupFatal() {
	disp.file.Close()
	os.Remove(disp.path)
}

func (disp *dispatcher) result() Result {
	closed := disp.pool.Close(disp.started)
	perConn := make([]stats.Throughput, 0, len(closed))
	for _, c := range closed {
		perConn = append(perConn, stats.Throughput{
			ConnName:    c.Name,
			TotalBytes:  c.TotalBytes,
			BytesPerSec: c.Throughput,
		})
	}
	summary := stats.NewSummary(disp.totalBytes, time.Since(disp.started).Seconds(), perConn, disp.list.Batches())
	return Result{
		Bytes:      disp.totalBytes,
		OutputPath: disp.path,
		Stats:      summary,
	}
}

func startReader(ctx context.Context, c *pool.Conn, events chan<- recvEvent) {
	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, err := c.Socket.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case events <- recvEvent{id: c.ID, data: chunk}:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				select {
				case events <- recvEvent{id: c.ID, err: err}:
				case <-ctx.Done():
				}
				return
			}
		}
	}()
}

func (disp *dispatcher) sendInitialBurst() error {
	total := disp.plan.TotalBlocks()
	for _, id := range disp.order {
		if disp.nextIndex >= total {
			break
		}
		conn := disp.conns[id]
		if err := disp.dispatchNext(conn); err != nil {
			return err
		}
	}
	return nil
}

// dispatchNext sends the next planned block's range request on conn,
// recording it as lastFD when it is the short tail block.
func (disp *dispatcher) dispatchNext(conn *pool.Conn) error {
	total := disp.plan.TotalBlocks()
	if disp.nextIndex >= total {
		return nil
	}

	blk, err := disp.plan.Block(disp.nextIndex)
	if err != nil {
		return err
	}

	if disp.nextIndex == disp.plan.ReqNum && disp.plan.HasTail() {
		disp.lastFD = conn.ID
		disp.hasLastFD = true
	}

	lo, hi := blk.Range()
	req := pool.BuildRequest(conn.Mirror, lo, hi)
	conn.RequestBuf = req

	if _, err := conn.Socket.Write(req); err != nil {
		return fmt.Errorf("rangedl: sending request on conn %s: %w", conn.Name, err)
	}

	disp.d.log.WithFields(logrus.Fields{
		"conn":  conn.Name,
		"block": blk.Index,
		"lo":    lo,
		"hi":    hi,
	}).Debug("rangedl: dispatched range request")

	disp.nextIndex++
	return nil
}

// drainCompleteResponses iterates every live connection (not only
// ones with a fresh event) and extracts any complete response sitting
// in its receive buffer, per spec.md 4.5 step 3: an earlier iteration
// may have left a complete-but-unparsed response once a short-body
// check stopped matching.
func (disp *dispatcher) drainCompleteResponses() error {
	for _, id := range disp.order {
		conn, ok := disp.conns[id]
		if !ok {
			continue
		}
		if err := disp.processConn(conn); err != nil {
			return err
		}
		if disp.totalBytes >= disp.plan.Length {
			return nil
		}
	}
	return nil
}

func (disp *dispatcher) processConn(conn *pool.Conn) error {
	if disp.plan.Remainder > 0 && int64(len(conn.RecvBuf)) < disp.plan.Remainder {
		return nil
	}

	header, body, err := httpframe.SeparateHeader(conn.RecvBuf)
	if err != nil {
		return nil // incomplete header, wait for more bytes
	}

	// A non-206 status is terminal and its body, if any, is not bound
	// by chunk_size/remainder. Check it as soon as the header is
	// available rather than waiting for a body long enough to satisfy
	// the completeness gate below, which a short error body may never
	// reach.
	if err := httpframe.CheckStatus(header); err != nil {
		var httpErr *httpframe.HTTPResponseError
		if errors.As(err, &httpErr) {
			disp.d.log.WithError(httpErr).WithField("conn", conn.Name).Error("rangedl: fatal HTTP response, aborting")
			return &abortErr{inner: httpErr}
		}
		return nil
	}

	isTailConn := disp.hasLastFD && conn.ID == disp.lastFD
	minBody := disp.plan.ChunkSize
	if isTailConn {
		minBody = disp.plan.Remainder
	}
	if int64(len(body)) < minBody {
		return nil // short body, wait for more bytes
	}

	order, err := httpframe.GetOrder(header, disp.plan.ChunkSize)
	if err != nil {
		var httpErr *httpframe.HTTPResponseError
		if errors.As(err, &httpErr) {
			disp.d.log.WithError(httpErr).WithField("conn", conn.Name).Error("rangedl: fatal HTTP response, aborting")
			return &abortErr{inner: httpErr}
		}
		return nil // Content-Range missing, wait for more bytes
	}

	blk, err := disp.plan.Block(order)
	if err != nil {
		// Content-Range pointed outside the plan; treat as noise and
		// drop the buffer rather than crash the whole download.
		conn.RecvBuf = nil
		return nil
	}

	blockBody := body[:blk.Length]
	duplicate := disp.list.Set(order, blockBody) != nil
	if !duplicate {
		disp.totalBytes += blk.Length
		conn.TotalBytes += blk.Length
		if disp.d.onProgress != nil {
			disp.d.onProgress(blk.Length)
		}
	}

	conn.RecvBuf = nil

	// Health tracker count step (spec.md 4.6): every other connection's
	// Stack increments, this one resets to zero. This always runs, on
	// both original and duplicate deliveries, because it reflects that
	// this connection is, right now, not the lagging one.
	disp.countReceive(conn.ID)

	if err := disp.dispatchNext(conn); err != nil {
		return err
	}

	return nil
}

// countReceive runs health.CountReceive's per-receive stack accounting
// over the live connection set, copying each connection's Stack into a
// Snapshot view, applying the step, and writing the results back.
func (disp *dispatcher) countReceive(receivedID pool.ID) {
	snapshots := make(map[uint64]*health.Snapshot, len(disp.conns))
	for id, conn := range disp.conns {
		snapshots[uint64(id)] = &health.Snapshot{ID: uint64(id), Stack: conn.Stack}
	}

	health.CountReceive(snapshots, uint64(receivedID))

	for id, s := range snapshots {
		disp.conns[pool.ID(id)].Stack = s.Stack
	}
}

func (disp *dispatcher) runDetector(ctx context.Context) {
	snapshots := make([]health.Snapshot, 0, len(disp.conns))
	for _, id := range disp.order {
		conn, ok := disp.conns[id]
		if !ok {
			continue
		}
		snapshots = append(snapshots, health.Snapshot{
			ID:           uint64(conn.ID),
			Stack:        conn.Stack,
			LastRecvTime: conn.LastRecvTime,
		})
	}

	det := disp.d.detector
	if det == nil {
		det = health.NewStackV1(10)
	}

	for _, rawID := range det.Evaluate(time.Now(), snapshots) {
		disp.duplicateRequest(ctx, pool.ID(rawID))
	}
}

// duplicateRequest re-establishes the connection identified by id on
// a fresh socket and resends its outstanding request, per spec.md
// 4.6's "duplicate request" operation.
func (disp *dispatcher) duplicateRequest(ctx context.Context, id pool.ID) {
	old, ok := disp.conns[id]
	if !ok {
		return // already replaced this round; never double-duplicate
	}

	fresh, err := disp.pool.Reestablish(ctx, id)
	if err != nil {
		disp.d.log.WithError(err).WithField("conn", old.Name).Warn("rangedl: re-establishment failed")
		return
	}

	delete(disp.conns, id)
	disp.conns[fresh.ID] = fresh
	for i, existing := range disp.order {
		if existing == id {
			disp.order[i] = fresh.ID
			break
		}
	}

	if disp.hasLastFD && disp.lastFD == id {
		disp.lastFD = fresh.ID
	}

	startReader(ctx, fresh, disp.events)

	if len(fresh.RequestBuf) == 0 {
		return
	}
	if _, err := fresh.Socket.Write(fresh.RequestBuf); err != nil {
		disp.d.log.WithError(err).WithField("conn", fresh.Name).Warn("rangedl: resending duplicate request failed")
	}
}
