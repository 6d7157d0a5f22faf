package rangedl

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/johejo/rangedl/health"
)

// Option configures a Downloader at construction time.
type Option func(*Downloader)

// WithNumConns sets the desired connection count (clamped internally
// to pool.MaxConnections). The default is 5.
func WithNumConns(n int) Option {
	return func(d *Downloader) { d.numConns = n }
}

// WithPartSize sets the target part size in bytes (0 means the
// plan package's default of 1,000,000 bytes).
func WithPartSize(bytes int64) Option {
	return func(d *Downloader) { d.partSize = bytes }
}

// WithDetector selects the stall-detection algorithm. The default is
// health.NewStackV1 with its default weight.
func WithDetector(det health.Detector) Option {
	return func(d *Downloader) { d.detector = det }
}

// WithLogger overrides the logrus logger used for structured
// diagnostics. The default is logrus.StandardLogger().
func WithLogger(l *logrus.Logger) Option {
	return func(d *Downloader) { d.log = l }
}

// WithOutputPath overrides the output file path. The default is the
// basename of the first mirror URL's path.
func WithOutputPath(path string) Option {
	return func(d *Downloader) { d.outputPath = path }
}

// WithProgress registers a callback invoked with the number of newly
// received bytes every time a response completes. cmd/rangedl uses
// this to drive a progressbar.v3 bar.
func WithProgress(fn func(delta int64)) Option {
	return func(d *Downloader) { d.onProgress = fn }
}

// WithPollInterval overrides the dispatcher's readiness-wait cap,
// which bounds how long the TIMEOUT detector may go without firing
// absent new data. The default is 1 second (DESIGN NOTES' suggested
// default).
func WithPollInterval(d2 time.Duration) Option {
	return func(d *Downloader) { d.pollInterval = d2 }
}
