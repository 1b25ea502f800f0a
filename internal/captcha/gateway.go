package captcha

import (
	"context"
	"strings"

	"github.com/mbd888/checkoutguard/internal/logging"
	"github.com/mbd888/checkoutguard/internal/metrics"
	"github.com/mbd888/checkoutguard/internal/traces"
)

// Gateway routes tokens to the verifier for their declared type.
type Gateway struct {
	verifiers   map[Type]Verifier
	defaultType Type
}

// NewGateway creates a gateway. defaultType answers requests that omit the
// declared type.
func NewGateway(defaultType Type) *Gateway {
	return &Gateway{
		verifiers:   make(map[Type]Verifier),
		defaultType: defaultType,
	}
}

// Register installs the verifier for t, replacing any previous one.
func (g *Gateway) Register(t Type, v Verifier) *Gateway {
	g.verifiers[t] = v
	return g
}

// DefaultType returns the type used when a request omits one.
func (g *Gateway) DefaultType() Type {
	return g.defaultType
}

// Resolve returns the effective type for a declared value.
func (g *Gateway) Resolve(declared string) Type {
	if strings.TrimSpace(declared) == "" {
		return g.defaultType
	}
	return Type(declared)
}

// Verify reports whether token passes verification for the declared type.
// It never fails; every provider problem is logged and answers false.
func (g *Gateway) Verify(ctx context.Context, token, declared string, vc Context) bool {
	t := g.Resolve(declared)

	ctx, span := traces.StartSpan(ctx, "captcha.verify", traces.CaptchaType(string(t)), traces.ClientIP(vc.IP))
	defer span.End()

	ok, err := g.verify(ctx, t, token, vc)
	switch {
	case err != nil:
		traces.RecordError(span, err)
		metrics.CaptchaVerificationsTotal.WithLabelValues(string(t), "error").Inc()
		logging.L(ctx).Warn("captcha verification failed", "type", t, "error", err)
		return false
	case ok:
		metrics.CaptchaVerificationsTotal.WithLabelValues(string(t), "passed").Inc()
	default:
		metrics.CaptchaVerificationsTotal.WithLabelValues(string(t), "failed").Inc()
	}
	return ok
}

func (g *Gateway) verify(ctx context.Context, t Type, token string, vc Context) (bool, error) {
	if token == "" {
		return false, ErrEmptyToken
	}
	v, ok := g.verifiers[t]
	if !ok {
		return false, ErrUnknownType
	}
	return v.Verify(ctx, token, vc)
}
