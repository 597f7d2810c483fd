// Package processor implements the command-id dispatcher: a cmd_id ->
// handler table with cooperative concurrency, per-request timeouts, a
// bounded in-flight task count, and batched concurrent execution. This is
// the most intricate component in the core; grounded on go-zero's service
// layering (handler validates/authenticates, logic executes), generalized
// from compile-time routes to a runtime cmd_id table, and on go-zero's
// core/syncx limiter for the concurrency bound.
package processor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/syncx"
	"github.com/zeromicro/go-zero/core/threading"

	"github.com/suleymanmyradov/im-gateway/internal/auth"
	"github.com/suleymanmyradov/im-gateway/internal/gatewayerr"
	"github.com/suleymanmyradov/im-gateway/internal/model"
	"github.com/suleymanmyradov/im-gateway/internal/router"
)

// HandlerFn is the embedder-supplied computation bound to a single cmd_id.
// Keeping this a type-erased function keyed by integer id — rather than
// compile-time polymorphism — is deliberate: handler registration is
// runtime-configurable.
type HandlerFn func(ctx context.Context, msg *model.UnifiedMessage) model.HandlerResult

// RegisterCode is the outcome of Register.
type RegisterCode int

const (
	RegisterOK RegisterCode = iota
	RegisterAlreadyPresent
	RegisterNoSuchService
	RegisterInvalid
)

// MetricsSink receives the per-call observability record: cmd_id, duration,
// and success. Embedders may wire this to any metrics backend; the default
// NoopSink discards everything.
type MetricsSink interface {
	Record(cmdID uint32, durationMs int64, success bool)
}

type NoopSink struct{}

func (NoopSink) Record(uint32, int64, bool) {}

// Options configures a Processor.
type Options struct {
	Timeout                     time.Duration
	EnableConcurrentProcessing  bool
	MaxConcurrentTasks          int64
	EnableRequestLogging        bool
	EnablePerformanceMonitoring bool
}

// DefaultOptions returns sensible production defaults: a 30s handler
// timeout, concurrent batch processing on, and a generous concurrency cap.
func DefaultOptions() Options {
	return Options{
		Timeout:                     30 * time.Second,
		EnableConcurrentProcessing:  true,
		MaxConcurrentTasks:          1024,
		EnableRequestLogging:        true,
		EnablePerformanceMonitoring: true,
	}
}

// Processor is a plain value constructed once by the gateway façade. The
// handler table is published via an atomic pointer swap so reads on the hot
// path never take a lock, while Register (startup-only) pays a copy cost.
type Processor struct {
	handlers   atomic.Pointer[map[uint32]HandlerFn]
	inFlight   atomic.Int64
	limiter    *syncx.Limit
	opts       Options
	rt         *router.Router
	authCore   *auth.Core
	downstream *router.DownstreamClient
	sink       MetricsSink
	started    atomic.Bool
}

func New(rt *router.Router, authCore *auth.Core, downstream *router.DownstreamClient, opts Options, sink MetricsSink) *Processor {
	if sink == nil {
		sink = NoopSink{}
	}
	p := &Processor{
		opts:       opts,
		rt:         rt,
		authCore:   authCore,
		downstream: downstream,
		sink:       sink,
	}
	if opts.MaxConcurrentTasks > 0 {
		p.limiter = syncx.NewLimit(int(opts.MaxConcurrentTasks))
	}
	empty := make(map[uint32]HandlerFn)
	p.handlers.Store(&empty)
	return p
}

// MarkStarted freezes registration: re-registration after start is not
// supported.
func (p *Processor) MarkStarted() { p.started.Store(true) }

// Register binds fn to cmdID. It refuses to replace an already-bound
// handler and validates the cmd_id is covered by some configured service
// before accepting it, unless testMode downgrades that check to a warning.
func (p *Processor) Register(cmdID uint32, fn HandlerFn, testMode bool) RegisterCode {
	if p.started.Load() {
		logx.Errorf("processor: register called for cmd_id %d after start; ignored", cmdID)
		return RegisterInvalid
	}
	if fn == nil {
		return RegisterInvalid
	}

	current := *p.handlers.Load()
	if _, exists := current[cmdID]; exists {
		logx.Slowf("processor: handler already registered for cmd_id %d; not replacing", cmdID)
		return RegisterAlreadyPresent
	}

	if _, ok := p.rt.ResolveServiceByCmd(cmdID); !ok {
		if testMode {
			logx.Slowf("processor: no service configured for cmd_id %d (test mode, registering anyway)", cmdID)
		} else {
			return RegisterNoSuchService
		}
	}

	next := make(map[uint32]HandlerFn, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	next[cmdID] = fn
	p.handlers.Store(&next)
	return RegisterOK
}

// Process runs the full request lifecycle for one message: concurrency
// admission, auth, dispatch (local handler or downstream forward), and
// metrics/logging around the call.
func (p *Processor) Process(ctx context.Context, msg *model.UnifiedMessage) model.HandlerResult {
	start := time.Now()

	if p.limiter != nil && !p.limiter.TryBorrow() {
		if p.opts.EnableRequestLogging {
			logx.Slowf("processor: overloaded, rejecting cmd_id %d", msg.Header.CmdID)
		}
		return resultFor(gatewayerr.New(gatewayerr.Overloaded, "too many in-flight requests"))
	}
	if p.limiter != nil {
		defer func() {
			if err := p.limiter.Return(); err != nil {
				logx.Errorf("processor: limiter return failed: %v", err)
			}
		}()
	}
	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)

	if p.opts.EnableRequestLogging {
		logx.WithContext(ctx).Debugf("processor: begin cmd_id=%d session=%s", msg.Header.CmdID, msg.SessionCtx.SessionID)
	}

	result, success := p.dispatch(ctx, msg)

	if p.opts.EnablePerformanceMonitoring {
		p.sink.Record(msg.Header.CmdID, time.Since(start).Milliseconds(), success)
	}
	if p.opts.EnableRequestLogging {
		logx.WithContext(ctx).Debugf("processor: end cmd_id=%d success=%v duration=%s", msg.Header.CmdID, success, time.Since(start))
	}
	return result
}

func (p *Processor) dispatch(ctx context.Context, msg *model.UnifiedMessage) (model.HandlerResult, bool) {
	if msg.Header.Token == "" {
		return resultFor(gatewayerr.New(gatewayerr.AuthFailed, "empty token")), false
	}
	info, err := p.authCore.VerifyAccessToken(ctx, msg.Header.Token, msg.Header.DeviceID)
	if err != nil {
		return resultFor(err), false
	}
	if msg.Header.FromUID == "" {
		msg.Header.FromUID = info.UserID
	}

	handlers := *p.handlers.Load()
	fn, ok := handlers[msg.Header.CmdID]
	if !ok {
		if svc, ok := p.rt.ResolveServiceByCmd(msg.Header.CmdID); ok && p.downstream != nil {
			return p.dispatchDownstream(ctx, svc, msg)
		}
		return resultFor(gatewayerr.New(gatewayerr.NotFound, fmt.Sprintf("Unknown command: %d", msg.Header.CmdID))), false
	}

	return p.runWithTimeout(ctx, fn, msg)
}

func (p *Processor) dispatchDownstream(ctx context.Context, svc router.Service, msg *model.UnifiedMessage) (model.HandlerResult, bool) {
	payload := msg.StructuredBody
	if payload == nil {
		payload = msg.JSONBody
	}
	out, err := p.downstream.Dispatch(ctx, svc, payload)
	if err != nil {
		return resultFor(gatewayerr.Wrap(gatewayerr.ServerError, "downstream dispatch failed", err)), false
	}
	return model.HandlerResult{StatusCode: 200, FramedPayload: out}, true
}

// runWithTimeout races the handler against the configured deadline. A
// handler that outruns it still runs to completion in its own goroutine —
// the result is simply discarded, never forcibly terminated.
func (p *Processor) runWithTimeout(ctx context.Context, fn HandlerFn, msg *model.UnifiedMessage) (model.HandlerResult, bool) {
	timeout := p.opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	done := make(chan model.HandlerResult, 1)
	threading.GoSafe(func() {
		defer func() {
			if r := recover(); r != nil {
				done <- model.HandlerResult{StatusCode: 500, ErrorMessage: fmt.Sprintf("panic: %v", r)}
			}
		}()
		done <- fn(ctx, msg)
	})

	select {
	case result := <-done:
		return result, result.StatusCode >= 200 && result.StatusCode < 300
	case <-time.After(timeout):
		logx.Slowf("processor: handler timed out for cmd_id %d after %s", msg.Header.CmdID, timeout)
		return resultFor(gatewayerr.New(gatewayerr.Timeout, "handler exceeded timeout")), false
	}
}

func resultFor(err error) model.HandlerResult {
	if ge, ok := gatewayerr.As(err); ok {
		return model.HandlerResult{StatusCode: int32(ge.Code.HTTPStatus()), ErrorMessage: ge.Message}
	}
	return model.HandlerResult{StatusCode: 500, ErrorMessage: err.Error()}
}

// ProcessBatch processes msgs either strictly in order (when concurrent
// processing is disabled) or in chunks of at most MaxConcurrentTasks,
// preserving input order in the returned slice.
func (p *Processor) ProcessBatch(ctx context.Context, msgs []*model.UnifiedMessage) []model.HandlerResult {
	results := make([]model.HandlerResult, len(msgs))

	if !p.opts.EnableConcurrentProcessing || len(msgs) == 0 {
		for i, m := range msgs {
			results[i] = p.Process(ctx, m)
		}
		return results
	}

	chunkSize := int(p.opts.MaxConcurrentTasks)
	if chunkSize <= 0 || chunkSize > len(msgs) {
		chunkSize = len(msgs)
	}

	for start := 0; start < len(msgs); start += chunkSize {
		end := start + chunkSize
		if end > len(msgs) {
			end = len(msgs)
		}

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			i := i
			wg.Add(1)
			threading.GoSafe(func() {
				defer wg.Done()
				results[i] = p.Process(ctx, msgs[i])
			})
		}
		wg.Wait()

		if end < len(msgs) {
			time.Sleep(time.Millisecond)
		}
	}
	return results
}

// InFlight reports the current in-flight task count, for observability.
func (p *Processor) InFlight() int64 { return p.inFlight.Load() }
