package butler

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/lsst-sqre/exposurelog/internal/errs"
)

// HTTPRegistry queries a registry service over HTTP:
//
//	GET {uri}/exposures?instrument=...&min_day_obs=...  → JSON array of Exposure
//	GET {uri}/instruments                              → JSON array of names
//
// Network errors, timeouts and 5xx responses are UpstreamUnavailable.
// A 404 is treated as "no match". Any other 4xx means the registry
// rejected the query and is a Validation error, which is not retried.
type HTTPRegistry struct {
	uri     string
	client  *fasthttp.Client
	timeout time.Duration
}

// NewHTTPRegistry creates a registry client. timeout bounds every call;
// a context deadline that expires sooner takes precedence. The client
// makes one attempt per call; retries belong to the Correlator.
func NewHTTPRegistry(uri string, timeout time.Duration) *HTTPRegistry {
	return &HTTPRegistry{
		uri: strings.TrimRight(uri, "/"),
		client: &fasthttp.Client{
			Name:                      "exposurelog",
			MaxConnsPerHost:           16,
			ReadTimeout:               timeout,
			WriteTimeout:              timeout,
			MaxIdleConnDuration:       time.Minute,
			MaxIdemponentCallAttempts: 1,
		},
		timeout: timeout,
	}
}

// URI implements Registry.
func (r *HTTPRegistry) URI() string { return r.uri }

// FindExposures implements Registry.
func (r *HTTPRegistry) FindExposures(ctx context.Context, q ExposureQuery) ([]Exposure, error) {
	args := fasthttp.AcquireArgs()
	defer fasthttp.ReleaseArgs(args)

	args.Add("instrument", q.Instrument)
	if q.ObsID != "" {
		args.Add("obs_id", q.ObsID)
	}
	addInt(args, "min_day_obs", q.MinDayObs)
	addInt(args, "max_day_obs", q.MaxDayObs)
	addInt(args, "min_seq_num", q.MinSeqNum)
	addInt(args, "max_seq_num", q.MaxSeqNum)
	for _, v := range q.GroupNames {
		args.Add("group_names", v)
	}
	for _, v := range q.ObservationReasons {
		args.Add("observation_reasons", v)
	}
	for _, v := range q.ObservationTypes {
		args.Add("observation_types", v)
	}
	if q.MinTime != nil {
		args.Add("min_date", q.MinTime.UTC().Format(time.RFC3339Nano))
	}
	if q.MaxTime != nil {
		args.Add("max_date", q.MaxTime.UTC().Format(time.RFC3339Nano))
	}
	limit := q.Limit
	if limit == 0 {
		limit = DefaultExposureLimit
	}
	args.Add("limit", strconv.Itoa(limit))

	var out []Exposure
	found, err := r.get(ctx, "/exposures?"+args.String(), &out)
	if err != nil {
		return nil, err
	}
	if !found || out == nil {
		return []Exposure{}, nil
	}
	return out, nil
}

// Instruments implements Registry.
func (r *HTTPRegistry) Instruments(ctx context.Context) ([]string, error) {
	var out []string
	if _, err := r.get(ctx, "/instruments", &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []string{}
	}
	return out, nil
}

// get issues a GET and decodes a 200 body into dst. It reports false for 404.
func (r *HTTPRegistry) get(ctx context.Context, path string, dst any) (bool, error) {
	timeout := r.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if err := ctx.Err(); err != nil || timeout <= 0 {
		return false, errs.Upstream(context.DeadlineExceeded, "butler %s: deadline exceeded before request", r.uri)
	}

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(r.uri + path)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("Accept", "application/json")

	if err := r.client.DoTimeout(req, resp, timeout); err != nil {
		if errors.Is(err, fasthttp.ErrTimeout) {
			return false, errs.Upstream(err, "butler %s: timed out after %s", r.uri, timeout)
		}
		return false, errs.Upstream(err, "butler %s: request failed", r.uri)
	}

	switch status := resp.StatusCode(); {
	case status == fasthttp.StatusOK:
	case status == fasthttp.StatusNotFound:
		return false, nil
	case status >= 500:
		return false, errs.Upstream(nil, "butler %s: status %d", r.uri, status)
	case status >= 400:
		return false, errs.Validation("registry", "butler %s rejected the query: status %d: %s", r.uri, status, truncate(resp.Body(), 200))
	default:
		return false, errs.Upstream(nil, "butler %s: unexpected status %d: %s", r.uri, status, truncate(resp.Body(), 200))
	}

	if err := json.Unmarshal(resp.Body(), dst); err != nil {
		return false, errs.Upstream(err, "butler %s: malformed response", r.uri)
	}
	return true, nil
}

func addInt(args *fasthttp.Args, key string, v *int) {
	if v != nil {
		args.Add(key, strconv.Itoa(*v))
	}
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
