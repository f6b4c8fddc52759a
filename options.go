package fiberscheduler

import "github.com/joeycumines/go-fiberscheduler/iocache"

// schedulerOptions holds configuration resolved at construction time,
// matching the eventloop/options.go functional-options idiom
// (LoopOption/applyLoop).
type schedulerOptions struct {
	logger     Logger
	nonBlockIO bool
	ioCache    *iocache.Cache
	maxFDs     int
}

// defaultMaxFDs matches eventloop/poller_linux.go's and
// eventloop/poller_darwin.go's hardcoded maxFDs constant (65536), used here
// as the default rather than a compile-time-fixed array bound.
const defaultMaxFDs = 65536

// Option configures a Scheduler instance.
type Option interface {
	apply(*schedulerOptions)
}

type optionFunc func(*schedulerOptions)

func (f optionFunc) apply(o *schedulerOptions) { f(o) }

// WithLogger sets the Logger a Scheduler uses for its own diagnostic
// output (poll errors, panics recovered from fiber bodies). Defaults to
// NoOpLogger.
func WithLogger(logger Logger) Option {
	return optionFunc(func(o *schedulerOptions) {
		if logger != nil {
			o.logger = logger
		}
	})
}

// WithNonBlockingIO enables the nonblocking-fd cache (spec §9's "Nonblocking-fd
// cache" design note): IOWait will call fcntl(F_SETFL, O_NONBLOCK) on a
// registered fd at most once per Scheduler, via iocache.Cache, before handing
// it to the poller. Off by default, since callers that already open their
// io-objects in non-blocking mode (the common case for a host binding) would
// otherwise pay a redundant fcntl per distinct fd.
func WithNonBlockingIO() Option {
	return optionFunc(func(o *schedulerOptions) {
		o.nonBlockIO = true
	})
}

// WithMaxFDs sets the exclusive upper bound on file descriptor values IOWait
// will register with the poller (spec's AMBIENT STACK configuration: "the maximum number
// of fast-indexable file descriptors for the epoll/kqueue poller"), made
// configurable here instead of the teacher's hardcoded maxFDs constant
// (eventloop/poller_linux.go, eventloop/poller_darwin.go). Registering an fd
// at or above n fails with ErrFDOutOfRange. n must be positive; non-positive
// values are ignored and the default (defaultMaxFDs) is kept.
func WithMaxFDs(n int) Option {
	return optionFunc(func(o *schedulerOptions) {
		if n > 0 {
			o.maxFDs = n
		}
	})
}

func resolveOptions(opts []Option) *schedulerOptions {
	cfg := &schedulerOptions{logger: NoOpLogger{}, maxFDs: defaultMaxFDs}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt.apply(cfg)
	}
	if cfg.nonBlockIO {
		cfg.ioCache = iocache.New()
	}
	return cfg
}
