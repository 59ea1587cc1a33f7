package probe

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nstogner/sandboxd/pkg/domain"
)

// Target is the endpoint a probe checks.
type Target struct {
	// Endpoint is a host:port address.
	Endpoint string
	// Protocol is one of domain.ProtocolHTTP, ProtocolGRPC, ProtocolTCP.
	Protocol string
	// Path is the HTTP path, or the gRPC health service name.
	Path string
}

// TargetFor builds the probe target of a sandbox started from tpl.
func TargetFor(endpoint string, tpl domain.Template) Target {
	return Target{Endpoint: endpoint, Protocol: tpl.HealthProtocol, Path: tpl.HealthPath}
}

// Policy controls the probe cadence. A Multiplier of 1 gives a fixed interval.
type Policy struct {
	Interval     time.Duration
	MaxInterval  time.Duration
	Multiplier   float64
	CheckTimeout time.Duration
}

// DefaultPolicy returns the default probe cadence.
func DefaultPolicy() Policy {
	return Policy{
		Interval:     250 * time.Millisecond,
		MaxInterval:  2 * time.Second,
		Multiplier:   1.5,
		CheckTimeout: 2 * time.Second,
	}
}

func (p Policy) next(d time.Duration) time.Duration {
	if p.Multiplier <= 1 {
		return d
	}
	n := time.Duration(float64(d) * p.Multiplier)
	if p.MaxInterval > 0 && n > p.MaxInterval {
		return p.MaxInterval
	}
	return n
}

// Checker performs a single health check.
type Checker interface {
	Check(ctx context.Context, target Target) error
}

// CheckerFunc adapts a function to a Checker.
type CheckerFunc func(ctx context.Context, target Target) error

func (f CheckerFunc) Check(ctx context.Context, target Target) error { return f(ctx, target) }

// Result is the outcome of Probe.
type Result struct {
	Ready    bool
	Attempts int
	// LastErr is the error of the last failed check.
	LastErr error
	Elapsed time.Duration
}

// Prober polls sandbox endpoints until they answer. It has no side effects
// beyond the network calls it makes.
type Prober struct {
	policy   Policy
	checkers map[string]Checker
	logger   *slog.Logger
}

// Option configures a Prober.
type Option func(*Prober)

// WithChecker overrides the checker used for a protocol.
func WithChecker(protocol string, c Checker) Option {
	return func(p *Prober) { p.checkers[protocol] = c }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Prober) { p.logger = l }
}

// New creates a Prober with HTTP, gRPC and TCP checkers.
func New(policy Policy, opts ...Option) *Prober {
	if policy.Interval <= 0 {
		policy.Interval = DefaultPolicy().Interval
	}
	if policy.CheckTimeout <= 0 {
		policy.CheckTimeout = DefaultPolicy().CheckTimeout
	}
	p := &Prober{
		policy: policy,
		checkers: map[string]Checker{
			domain.ProtocolHTTP: NewHTTPChecker(),
			domain.ProtocolGRPC: GRPCChecker{},
			domain.ProtocolTCP:  TCPChecker{},
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Check runs exactly one health check bounded by the policy's CheckTimeout.
func (p *Prober) Check(ctx context.Context, target Target) error {
	protocol := target.Protocol
	if protocol == "" {
		protocol = domain.ProtocolHTTP
	}
	c, ok := p.checkers[protocol]
	if !ok {
		return fmt.Errorf("unsupported health protocol %q", protocol)
	}
	ctx, cancel := context.WithTimeout(ctx, p.policy.CheckTimeout)
	defer cancel()
	return c.Check(ctx, target)
}

// Probe checks target repeatedly until a check succeeds or deadline passes.
// It never blocks past deadline.
func (p *Prober) Probe(ctx context.Context, target Target, deadline time.Time) Result {
	start := time.Now()
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	var res Result
	interval := p.policy.Interval
	for {
		res.Attempts++
		err := p.Check(ctx, target)
		if err == nil {
			res.Ready = true
			res.LastErr = nil
			res.Elapsed = time.Since(start)
			p.logger.Debug("Probe succeeded", "endpoint", target.Endpoint, "attempts", res.Attempts, "elapsed", res.Elapsed)
			return res
		}
		res.LastErr = err

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			res.Elapsed = time.Since(start)
			p.logger.Debug("Probe gave up", "endpoint", target.Endpoint, "attempts", res.Attempts, "error", res.LastErr)
			return res
		case <-timer.C:
		}
		interval = p.policy.next(interval)
	}
}
