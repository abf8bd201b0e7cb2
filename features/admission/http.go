package admission

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	goahttp "goa.design/goa/v3/http"

	"goa.design/runwait/apitypes"
)

// Rate limit response headers.
const (
	HeaderLimit      = "x-ratelimit-limit"
	HeaderRemaining  = "x-ratelimit-remaining"
	HeaderReset      = "x-ratelimit-reset"
	HeaderRetryAfter = "retry-after"
)

// Middleware returns an HTTP middleware that runs every request through the
// gate before next sees it. Rejected requests get a 429 response.
func (g *Gate) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			key, kind := g.Identify(r)
			d, err := g.Admit(ctx, key)
			if !d.Skipped {
				setHeaders(w.Header(), d)
			}
			var tmr *TooManyRequestsError
			if !errors.As(err, &tmr) {
				next.ServeHTTP(w, r)
				return
			}
			g.logger.Info(ctx, "rate-limit exceeded", "identity", string(kind), "path", r.URL.Path)
			w.Header().Set(HeaderRetryAfter, strconv.Itoa(seconds(tmr.RetryAfter)))
			enc := goahttp.ResponseEncoder(ctx, w)
			w.WriteHeader(http.StatusTooManyRequests)
			if err := enc.Encode(apitypes.NewErrorResponse(tmr.GoaErrorName(), tmr.Error())); err != nil {
				g.logger.Warn(ctx, "encode rate-limit response", "err", err)
			}
		})
	}
}

func setHeaders(h http.Header, d Decision) {
	h.Set(HeaderLimit, strconv.Itoa(d.Limit))
	h.Set(HeaderRemaining, strconv.Itoa(d.Remaining))
	h.Set(HeaderReset, strconv.Itoa(seconds(d.Reset)))
}

// seconds rounds d up to whole seconds.
func seconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}
