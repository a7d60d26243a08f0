package tripcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Fetcher is the network as seen by strategies, the lifecycle and the
// replayer. A request with a relative URL is resolved against the origin;
// an absolute URL is fetched as is. Transport failures are returned as
// errors; any HTTP status, including 5xx, is a Response.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (Response, error)
}

type FetchFunc func(ctx context.Context, req *http.Request) (Response, error)

func (f FetchFunc) Fetch(ctx context.Context, req *http.Request) (Response, error) {
	return f(ctx, req)
}

var errHostNotAllowed = errors.New("tripcache: host is not the origin or a passthrough host")

type originFetcher struct {
	origin      *url.URL
	passthrough []string
	client      *http.Client
	timeout     time.Duration
}

// newOriginFetcher never follows redirects: a 3xx goes back to the caller
// with its Location and Set-Cookie intact.
func newOriginFetcher(origin string, passthrough []string, client *http.Client, timeout time.Duration) (*originFetcher, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return nil, err
	}
	c := &http.Client{Timeout: timeout}
	if client != nil {
		cp := *client
		c = &cp
	}
	c.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &originFetcher{origin: u, passthrough: passthrough, client: c, timeout: timeout}, nil
}

func (f *originFetcher) resolve(u *url.URL) (string, error) {
	if !u.IsAbs() {
		return strings.TrimRight(f.origin.String(), "/") + u.RequestURI(), nil
	}
	if !strings.EqualFold(u.Host, f.origin.Host) && !hostListed(u, f.passthrough) {
		return "", fmt.Errorf("%w: %s", errHostNotAllowed, u.Host)
	}
	return u.String(), nil
}

func (f *originFetcher) Fetch(ctx context.Context, in *http.Request) (Response, error) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	var body io.Reader
	if in.Body != nil && in.Body != http.NoBody {
		body = in.Body
	}
	target, err := f.resolve(in.URL)
	if err != nil {
		return Response{}, err
	}
	req, err := http.NewRequestWithContext(ctx, in.Method, target, body)
	if err != nil {
		return Response{}, err
	}
	copyHeaders(req.Header, in.Header)
	req.Header.Set("Accept-Encoding", "identity")
	if in.ContentLength > 0 {
		req.ContentLength = in.ContentLength
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, err
	}
	return newResponse(resp.StatusCode, resp.Header, b), nil
}

// originHost is the host[:port] a request must target to count as
// same-origin.
func (f *originFetcher) originHost() string { return f.origin.Host }

// hostListed matches u against host or host:port entries. An entry without
// a port matches any port.
func hostListed(u *url.URL, hosts []string) bool {
	for _, h := range hosts {
		if strings.EqualFold(h, u.Host) {
			return true
		}
		if !strings.Contains(h, ":") && strings.EqualFold(h, u.Hostname()) {
			return true
		}
	}
	return false
}
