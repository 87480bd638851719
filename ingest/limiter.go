package ingest

import (
	"io"
	"time"

	"github.com/cheggaaa/pb/v3"
	"golang.org/x/time/rate"
)

// NewLimiter enforces a minimum spacing between requests. The first request
// is never delayed. A non-positive spacing disables the limit.
func NewLimiter(spacing time.Duration) *rate.Limiter {
	if spacing <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(spacing), 1)
}

// NewBar starts a progress bar drawn on w. A nil writer hides it.
func NewBar(total int, w io.Writer) *pb.ProgressBar {
	if w == nil {
		w = io.Discard
	}
	return pb.New(total).SetWriter(w).Start()
}
