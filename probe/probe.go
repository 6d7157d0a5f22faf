// Package probe learns a mirror's content length and confirms it
// supports byte ranges with a single HEAD request, and cross-checks
// that every mirror in a set reports the same length before a
// download is allowed to start.
package probe

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"golang.org/x/sync/errgroup"
)

// RedirectionError is returned when a mirror's HEAD response is a
// 302/303/307 redirect; it carries the Location the server offered.
type RedirectionError struct {
	Location string
}

func (e *RedirectionError) Error() string {
	return fmt.Sprintf("probe: redirected to %q", e.Location)
}

// HeadResponseError is returned for any non-200, non-redirect HEAD
// status.
type HeadResponseError struct {
	Status string
}

func (e *HeadResponseError) Error() string {
	return fmt.Sprintf("probe: unexpected HEAD status %q", e.Status)
}

// AcceptRangeError is returned when the mirror's HEAD response has no
// Accept-Ranges header at all.
type AcceptRangeError struct {
	URL string
}

func (e *AcceptRangeError) Error() string {
	return fmt.Sprintf("probe: mirror %q does not advertise Accept-Ranges", e.URL)
}

// FileSizeError is returned by ProbeAll when mirrors disagree on
// content length.
type FileSizeError struct {
	URL      string
	Expected int64
	Got      int64
}

func (e *FileSizeError) Error() string {
	return fmt.Sprintf("probe: mirror %q reports length %d, expected %d", e.URL, e.Got, e.Expected)
}

// refuseRedirects turns the http.Client's default follow-redirects
// behavior off so the raw redirect response reaches Probe.
func refuseRedirects(_ *http.Request, _ []*http.Request) error {
	return http.ErrUseLastResponse
}

var client = &http.Client{CheckRedirect: refuseRedirects}

// Probe issues one HEAD request against rawURL and returns its
// Content-Length. rawURL must be plain http: https and any other
// scheme are rejected immediately, matching the module's no-TLS
// scope.
func Probe(ctx context.Context, rawURL string) (int64, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0, fmt.Errorf("probe: parsing %q: %w", rawURL, err)
	}
	if u.Scheme != "http" {
		return 0, fmt.Errorf("probe: %q: scheme %q is not supported, only plain http is", rawURL, u.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return 0, fmt.Errorf("probe: building HEAD request for %q: %w", rawURL, err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("probe: HEAD %q: %w", rawURL, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusFound, http.StatusSeeOther, http.StatusTemporaryRedirect:
		return 0, &RedirectionError{Location: resp.Header.Get("Location")}
	case http.StatusOK:
		// fall through
	default:
		return 0, &HeadResponseError{Status: resp.Status}
	}

	if resp.Header.Get("Accept-Ranges") == "" {
		return 0, &AcceptRangeError{URL: rawURL}
	}

	length, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("probe: %q: invalid Content-Length %q: %w", rawURL, resp.Header.Get("Content-Length"), err)
	}

	return length, nil
}

// ProbeAll probes every mirror concurrently and requires them all to
// report the same length. On success it returns that length.
func ProbeAll(ctx context.Context, urls []string) (int64, error) {
	if len(urls) == 0 {
		return 0, fmt.Errorf("probe: no mirror URLs given")
	}

	lengths := make([]int64, len(urls))

	g, gctx := errgroup.WithContext(ctx)
	for i, u := range urls {
		i, u := i, u
		g.Go(func() error {
			length, err := Probe(gctx, u)
			if err != nil {
				return err
			}
			lengths[i] = length
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	want := lengths[0]
	for i, got := range lengths[1:] {
		if got != want {
			return 0, &FileSizeError{URL: urls[i+1], Expected: want, Got: got}
		}
	}

	return want, nil
}
