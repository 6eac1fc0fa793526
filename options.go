package triple

import (
	"runtime"
	"time"

	"github.com/dubbogo/triple/directory"
	"github.com/dubbogo/triple/internal/frame"
	"github.com/dubbogo/triple/internal/logging"
	"github.com/dubbogo/triple/registry"
)

// Logger is the ambient logging facade; see internal/logging for the
// default logiface/stumpy-backed implementation.
type Logger = logging.Logger

// options holds the resolved configuration shared by ClientConn and
// Server construction; each constructor accumulates its own copy via the
// functional Option values below.
type options struct {
	codecName         string
	maxMsgSize        int
	userAgent         string
	keepaliveInterval time.Duration
	keepaliveTimeout  time.Duration
	logger            Logger

	reg          registry.Registry
	lbPolicy     directory.Policy
	handlerPool  int
}

func defaultOptions() *options {
	return &options{
		codecName:         "proto",
		maxMsgSize:         frame.DefaultMaxMessageSize,
		userAgent:          "triple-go",
		keepaliveInterval:  30 * time.Second,
		keepaliveTimeout:   10 * time.Second,
		logger:             logging.NewDefault(),
		lbPolicy:           directory.Random{},
		handlerPool:        runtime.GOMAXPROCS(0) * 4,
	}
}

// Option configures a ClientConn, Server, or Directory. The same
// closure-backed Option shape is used by directory.Option; these two
// are distinct types because they configure different constructors, but
// follow the identical WithXxx(...) Option pattern.
type Option interface {
	apply(o *options)
}

type optionFunc func(o *options)

func (f optionFunc) apply(o *options) { f(o) }

// WithCodec selects the named grpc/encoding.Codec (e.g. "proto", "json").
// Defaults to "proto".
func WithCodec(name string) Option {
	return optionFunc(func(o *options) { o.codecName = name })
}

// WithMaxMessageSize bounds the decoded size of any single message, on
// both the send and receive paths.
func WithMaxMessageSize(n int) Option {
	return optionFunc(func(o *options) { o.maxMsgSize = n })
}

// WithUserAgent overrides the "user-agent" header sent with every call.
func WithUserAgent(ua string) Option {
	return optionFunc(func(o *options) { o.userAgent = ua })
}

// WithKeepalive configures the HTTP/2 PING-based keepalive interval and
// the timeout after which an unacknowledged PING fails the connection.
func WithKeepalive(interval, timeout time.Duration) Option {
	return optionFunc(func(o *options) {
		o.keepaliveInterval = interval
		o.keepaliveTimeout = timeout
	})
}

// WithLogger overrides the ambient logger. Passing nil discards all
// ambient logging.
func WithLogger(l Logger) Option {
	return optionFunc(func(o *options) {
		if l == nil {
			l = logging.NoOp()
		}
		o.logger = l
	})
}

// WithRegistry attaches a service registry for server-side registration:
// Serve registers the listener's address for every registered service.
// Dial and DialService do not read it; DialService takes its registry as
// an argument.
func WithRegistry(reg registry.Registry) Option {
	return optionFunc(func(o *options) { o.reg = reg })
}

// WithLoadBalancePolicy selects the directory.Policy used to pick among
// discovered endpoints. Defaults to directory.Random.
func WithLoadBalancePolicy(p directory.Policy) Option {
	return optionFunc(func(o *options) { o.lbPolicy = p })
}

// WithHandlerPool bounds the number of concurrently executing server
// handler goroutines. Defaults to 4x GOMAXPROCS.
func WithHandlerPool(n int) Option {
	return optionFunc(func(o *options) { o.handlerPool = n })
}
