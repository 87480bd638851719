package utils

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"net/http"
	"time"

	"github.com/parnurzeal/gorequest"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

const (
	userAgent      = "VulnIntelPlatform/1.0"
	requestTimeout = 60 * time.Second
)

// ErrNotFound is matched by any fetch error caused by an HTTP 404 response.
var ErrNotFound = xerrors.New("not found")

// retryWait is the pause before the i-th retry attempt.
var retryWait = func(i int) time.Duration {
	wait := math.Pow(float64(i), 2) + float64(randInt()%10)
	return time.Duration(wait * float64(time.Second))
}

// HTTPError is returned when a feed answers with a non-2xx status code.
type HTTPError struct {
	StatusCode int
	URL        string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP error. status code: %d, url: %s", e.StatusCode, e.URL)
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

type RequestOption func(*gorequest.SuperAgent)

// WithHeader sets a request header, overriding defaults such as User-Agent.
func WithHeader(key, value string) RequestOption {
	return func(req *gorequest.SuperAgent) {
		if value != "" {
			req.Set(key, value)
		}
	}
}

// FetchURL returns HTTP response body with retry
func FetchURL(ctx context.Context, url string, retry int, opts ...RequestOption) ([]byte, error) {
	return withRetry(ctx, url, retry, func() ([]byte, error) {
		req := gorequest.New().Get(url).Timeout(requestTimeout).Set("User-Agent", userAgent)
		for _, opt := range opts {
			opt(req)
		}
		return send(url, req.Type("text"))
	})
}

// PostJSON sends payload as a JSON body and returns the response body with retry
func PostJSON(ctx context.Context, url string, payload interface{}, retry int, opts ...RequestOption) ([]byte, error) {
	return withRetry(ctx, url, retry, func() ([]byte, error) {
		req := gorequest.New().Post(url).Timeout(requestTimeout).Set("User-Agent", userAgent)
		for _, opt := range opts {
			opt(req)
		}
		return send(url, req.Send(payload))
	})
}

func withRetry(ctx context.Context, url string, retry int, fetch func() ([]byte, error)) (res []byte, err error) {
	for i := 0; i <= retry; i++ {
		if i > 0 {
			wait := retryWait(i)
			logrus.Debugf("retry %s after %s", url, wait)
			select {
			case <-ctx.Done():
				return nil, xerrors.Errorf("failed to fetch URL: %w", ctx.Err())
			case <-time.After(wait):
			}
		}
		if err = ctx.Err(); err != nil {
			return nil, xerrors.Errorf("failed to fetch URL: %w", err)
		}
		res, err = fetch()
		if err == nil {
			return res, nil
		}
		if !retryable(err) {
			break
		}
	}
	return nil, xerrors.Errorf("failed to fetch URL: %w", err)
}

// retryable reports whether err is transient: network errors, 429 and 5xx.
func retryable(err error) bool {
	var he *HTTPError
	if xerrors.As(err, &he) {
		return he.StatusCode == http.StatusTooManyRequests || he.StatusCode >= http.StatusInternalServerError
	}
	return true
}

func send(url string, req *gorequest.SuperAgent) ([]byte, error) {
	resp, body, errs := req.EndBytes()
	if len(errs) > 0 {
		return nil, xerrors.Errorf("HTTP error. url: %s, err: %w", url, errs[0])
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, URL: url}
	}
	return body, nil
}

func randInt() int {
	seed, _ := rand.Int(rand.Reader, big.NewInt(math.MaxInt64))
	return int(seed.Int64())
}
