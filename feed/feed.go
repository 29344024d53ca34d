package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"sync"

	"github.com/glimte/mmate-cqrs/contracts"
	"github.com/glimte/mmate-cqrs/messaging"
)

// Initializer describes one feed variant
type Initializer[C, Req, Resp, D any] interface {
	// Endpoint returns where the init request is sent
	Endpoint(ctx C) (messaging.Endpoint, error)

	// InitRequest builds the init request
	InitRequest(ctx C) (Req, error)

	// ExtractInitialData turns the init response into the data the sink is seeded with
	ExtractInitialData(resp Resp, ctx C) []D

	// InitializeFeed attaches live updates to the sink. The returned closer is
	// released with the feed.
	InitializeFeed(sink Sink[D], resp Resp, ctx C) (io.Closer, error)
}

// Funcs implements Initializer with function values. Nil InitializeFeed means
// the feed has no live part.
type Funcs[C, Req, Resp, D any] struct {
	EndpointFunc           func(ctx C) (messaging.Endpoint, error)
	InitRequestFunc        func(ctx C) (Req, error)
	ExtractInitialDataFunc func(resp Resp, ctx C) []D
	InitializeFeedFunc     func(sink Sink[D], resp Resp, ctx C) (io.Closer, error)
}

// Endpoint implements Initializer
func (f Funcs[C, Req, Resp, D]) Endpoint(ctx C) (messaging.Endpoint, error) {
	if f.EndpointFunc == nil {
		return messaging.Endpoint{}, fmt.Errorf("%w: feed has no endpoint", contracts.ErrInvalidArgument)
	}
	return f.EndpointFunc(ctx)
}

// InitRequest implements Initializer
func (f Funcs[C, Req, Resp, D]) InitRequest(ctx C) (Req, error) {
	if f.InitRequestFunc == nil {
		var zero Req
		return zero, fmt.Errorf("%w: feed has no init request", contracts.ErrInvalidArgument)
	}
	return f.InitRequestFunc(ctx)
}

// ExtractInitialData implements Initializer
func (f Funcs[C, Req, Resp, D]) ExtractInitialData(resp Resp, ctx C) []D {
	if f.ExtractInitialDataFunc == nil {
		return nil
	}
	return f.ExtractInitialDataFunc(resp, ctx)
}

// InitializeFeed implements Initializer
func (f Funcs[C, Req, Resp, D]) InitializeFeed(sink Sink[D], resp Resp, ctx C) (io.Closer, error) {
	if f.InitializeFeedFunc == nil {
		return nil, nil
	}
	return f.InitializeFeedFunc(sink, resp, ctx)
}

// Sink receives feed data
type Sink[D any] interface {
	OnNext(data D)
	OnError(err error)
}

// SinkFuncs adapts functions to Sink. Nil functions are skipped.
type SinkFuncs[D any] struct {
	Next  func(data D)
	Error func(err error)
}

// OnNext implements Sink
func (s SinkFuncs[D]) OnNext(data D) {
	if s.Next != nil {
		s.Next(data)
	}
}

// OnError implements Sink
func (s SinkFuncs[D]) OnError(err error) {
	if s.Error != nil {
		s.Error(err)
	}
}

// Requester sends the init request. onReply is called at most once.
type Requester interface {
	SendRequest(ctx context.Context, ep messaging.Endpoint, request any, replyType reflect.Type, onReply func(reply any, err error)) (io.Closer, error)
}

// EngineRequester sends init requests through a messaging engine
type EngineRequester struct {
	Engine  *messaging.Engine
	Options []messaging.RequestOption
}

// SendRequest implements Requester
func (r EngineRequester) SendRequest(ctx context.Context, ep messaging.Endpoint, request any, replyType reflect.Type, onReply func(reply any, err error)) (io.Closer, error) {
	handle, err := r.Engine.SendRequest(ctx, ep, request, replyType, onReply, r.Options...)
	if err != nil {
		return nil, err
	}
	return handle, nil
}

// Option configures Subscribe
type Option func(*options)

type options struct {
	onSubscribed func()
	logger       *slog.Logger
}

// OnSubscribed is called once the initial data was delivered and live updates
// are attached
func OnSubscribed(fn func()) Option {
	return func(o *options) {
		o.onSubscribed = fn
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// Subscribe runs the init sequence of a feed. The returned closer releases the
// pending request or the live feed, whichever is current.
func Subscribe[C, Req, Resp, D any](ctx context.Context, requester Requester, init Initializer[C, Req, Resp, D], feedCtx C, sink Sink[D], opts ...Option) io.Closer {
	o := &options{logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}

	f := &subscription{}

	ep, err := init.Endpoint(feedCtx)
	if err != nil {
		sink.OnError(err)
		return f
	}
	request, err := init.InitRequest(feedCtx)
	if err != nil {
		sink.OnError(err)
		return f
	}

	replyType := reflect.TypeOf((*Resp)(nil)).Elem()
	pending, err := requester.SendRequest(ctx, ep, request, replyType, func(reply any, err error) {
		if f.isClosed() {
			return
		}
		if err != nil {
			sink.OnError(err)
			return
		}
		resp, ok := reply.(Resp)
		if !ok {
			sink.OnError(&contracts.ProcessingError{
				Type:   replyType.String(),
				Reason: fmt.Sprintf("init response has type %T", reply),
			})
			return
		}

		for _, data := range init.ExtractInitialData(resp, feedCtx) {
			sink.OnNext(data)
		}

		live, err := init.InitializeFeed(sink, resp, feedCtx)
		if err != nil {
			sink.OnError(err)
			return
		}
		if !f.attach(live) {
			return
		}
		o.logger.Debug("feed initialized", "endpoint", ep.String())
		if o.onSubscribed != nil {
			o.onSubscribed()
		}
	})
	if err != nil {
		o.logger.Debug("feed init request failed", "endpoint", ep.String(), "error", err)
		sink.OnError(err)
		return f
	}
	f.setPending(pending)
	return f
}

type subscription struct {
	mu      sync.Mutex
	pending io.Closer
	live    io.Closer
	closed  bool
}

func (f *subscription) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *subscription) setPending(pending io.Closer) {
	f.mu.Lock()
	if !f.closed {
		f.pending = pending
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	if pending != nil {
		_ = pending.Close()
	}
}

// attach stores the live closer, closing it right away when the feed was
// closed during initialization
func (f *subscription) attach(live io.Closer) bool {
	f.mu.Lock()
	if !f.closed {
		f.live = live
		f.mu.Unlock()
		return true
	}
	f.mu.Unlock()
	if live != nil {
		_ = live.Close()
	}
	return false
}

// Close implements io.Closer
func (f *subscription) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	pending, live := f.pending, f.live
	f.pending, f.live = nil, nil
	f.mu.Unlock()

	var errs []error
	if pending != nil {
		errs = append(errs, pending.Close())
	}
	if live != nil {
		errs = append(errs, live.Close())
	}
	return errors.Join(errs...)
}
