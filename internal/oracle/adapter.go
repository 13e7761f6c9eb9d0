// ABOUTME: Adapter calls the oracle transport with rate limiting and a timeout, then enforces the contract
// ABOUTME: Never fails the caller: errors degrade to reply-only responses, low-confidence actions are suppressed

package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// Options configures an Adapter.
type Options struct {
	ConfidenceFloor float64       // actions below this are suppressed
	Timeout         time.Duration // per call; zero means no extra deadline
	RateLimit       float64       // calls per second; zero disables limiting
	RateBurst       int
}

// Adapter wraps a Transport with the response contract.
type Adapter struct {
	transport Transport
	floor     float64
	timeout   time.Duration
	limiter   *rate.Limiter
	logger    *slog.Logger
}

// NewAdapter creates an adapter. Pass nil logger for default.
func NewAdapter(t Transport, opts Options, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}

	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	return &Adapter{
		transport: t,
		floor:     opts.ConfidenceFloor,
		timeout:   opts.Timeout,
		limiter:   limiter,
		logger:    logger.With("component", "oracle"),
	}
}

// Generate asks the oracle for a reply and actions. It never returns an
// error; a failed call or malformed response yields a Degraded response with
// no actions and whatever reply text could be salvaged.
func (a *Adapter) Generate(ctx context.Context, req *Request) Response {
	start := time.Now()

	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return a.degrade(&Response{}, fmt.Errorf("waiting for rate limiter: %w", err))
		}
	}

	callCtx := ctx
	if a.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	raw, err := a.transport.Complete(callCtx, req)
	if err != nil {
		return a.degrade(&Response{}, fmt.Errorf("calling oracle: %w", err))
	}

	resp, err := Parse(raw)
	if err != nil {
		return a.degrade(resp, err)
	}

	a.applyFloor(resp)

	a.logger.Debug("oracle responded",
		"duration", time.Since(start),
		"actions", len(resp.Actions),
		"suppressed", len(resp.Suppressed),
	)
	return *resp
}

// applyFloor moves actions below the confidence floor into Suppressed.
func (a *Adapter) applyFloor(resp *Response) {
	kept := resp.Actions[:0:0]
	for _, action := range resp.Actions {
		if action.Confidence < a.floor {
			a.logger.Info("suppressed low-confidence action",
				"type", action.Type,
				"confidence", action.Confidence,
				"floor", a.floor,
			)
			resp.Suppressed = append(resp.Suppressed, action)
			continue
		}
		kept = append(kept, action)
	}
	resp.Actions = kept
}

func (a *Adapter) degrade(resp *Response, err error) Response {
	a.logger.Warn("oracle response degraded", "error", err)
	resp.Actions = nil
	resp.Suppressed = nil
	resp.Degraded = true
	resp.Violation = err
	return *resp
}
