package federation

import (
	"context"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/fluxorio/fedclient/pkg/core"
)

// healthProbe performs a cheap HTTP GET against a guardian's REST status
// endpoint before the more expensive NATS round trip in
// DiscoverApiVersions, so an unreachable federation is detected and
// logged quickly rather than waiting out the full request timeout on the
// heavier transport. Purely advisory: a failed probe never blocks
// DiscoverApiVersions from still attempting the NATS call.
type healthProbe struct {
	client  *fasthttp.Client
	url     string
	timeout time.Duration
	logger  core.Logger
}

// newHealthProbe returns a probe against statusURL, or nil if statusURL is
// empty (no REST status endpoint configured for this federation).
func newHealthProbe(statusURL string, timeout time.Duration, logger core.Logger) *healthProbe {
	if statusURL == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &healthProbe{
		client:  &fasthttp.Client{MaxConnsPerHost: 4},
		url:     statusURL,
		timeout: timeout,
		logger:  logger,
	}
}

// check issues the GET and logs the outcome; it never returns an error to
// its caller, since a down status endpoint is not itself a reason to skip
// version discovery.
func (p *healthProbe) check(ctx context.Context) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(p.url)
	req.Header.SetMethod(fasthttp.MethodGet)

	timeout := p.timeout
	if dl, ok := ctx.Deadline(); ok {
		if remaining := time.Until(dl); remaining < timeout {
			timeout = remaining
		}
	}

	if err := p.client.DoTimeout(req, resp, timeout); err != nil {
		p.logger.Warnf("federation: guardian status probe %s failed: %v", p.url, err)
		return
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		p.logger.Warnf("federation: guardian status probe %s returned %d", p.url, resp.StatusCode())
	}
}
