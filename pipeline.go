package edgeward

import (
	"context"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
)

// Reject error codes surfaced to clients. The payload stays generic; the
// full category and location live only in the internal event stream.
const (
	ErrCodeWAFBlocked     = "WAF_BLOCKED"
	ErrCodeDDoSProtection = "DDOS_PROTECTION"
	ErrCodeRateLimit      = "RATE_LIMIT"
	ErrCodeInternal       = "PROTECTION_UNAVAILABLE"
)

// ProfileResolver maps a request to its rate-limit profile. Role claims
// arrive already resolved by the external auth collaborator.
type ProfileResolver func(c *fiber.Ctx) Profile

func defaultProfileResolver(c *fiber.Ctx) Profile {
	role := c.Get("X-Role")
	if local, ok := c.Locals("role").(string); ok && local != "" {
		role = local
	}
	switch role {
	case "":
		return ProfileAnonymous
	case "admin", "operator":
		return ProfileElevated
	default:
		return ProfileAuthenticated
	}
}

// OperationResolver names the business operation a request maps to, for
// policy lookup and cache keys. The default uses the route path.
type OperationResolver func(c *fiber.Ctx) string

func defaultOperationResolver(c *fiber.Ctx) string {
	return c.Path()
}

// Pipeline composes the protection components around the route handler in a
// fixed order: instrument, inspect, admit, rate-limit, handler; the cache
// wraps read-only routes. Every reject emits exactly one classified event.
// All components are injected at construction; there is no ambient registry.
type Pipeline struct {
	inspector *RequestInspector
	tracker   *AbuseTracker
	limiter   *RateLimiter
	cache     *ResponseCache
	monitor   *SecurityEventMonitor
	audit     AuditSink
	log       zerolog.Logger

	// ResolveProfile and ResolveOperation may be replaced before the
	// middleware is installed.
	ResolveProfile   ProfileResolver
	ResolveOperation OperationResolver
}

func NewPipeline(
	inspector *RequestInspector,
	tracker *AbuseTracker,
	limiter *RateLimiter,
	cache *ResponseCache,
	monitor *SecurityEventMonitor,
	audit AuditSink,
	log zerolog.Logger,
) *Pipeline {
	if audit == nil {
		audit = NopAuditSink{}
	}
	if tracker != nil && monitor != nil {
		tracker.SetOnSuspicious(func(id string, count int) {
			monitor.Record(SecurityEvent{
				Type:     EventSuspiciousFlag,
				Client:   id,
				Severity: SeverityMedium,
				Details:  map[string]string{"count": strconv.Itoa(count)},
			})
		})
	}
	return &Pipeline{
		inspector:        inspector,
		tracker:          tracker,
		limiter:          limiter,
		cache:            cache,
		monitor:          monitor,
		audit:            audit,
		log:              log,
		ResolveProfile:   defaultProfileResolver,
		ResolveOperation: defaultOperationResolver,
	}
}

func (p *Pipeline) Monitor() *SecurityEventMonitor { return p.monitor }
func (p *Pipeline) Tracker() *AbuseTracker         { return p.tracker }
func (p *Pipeline) Limiter() *RateLimiter          { return p.limiter }
func (p *Pipeline) Cache() *ResponseCache          { return p.cache }

// Middleware returns the fiber handler enforcing the full pipeline.
func (p *Pipeline) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		client := ClientIdentity(c)
		endpoint := c.Path()

		defer func() {
			p.audit.Append(AuditRecord{
				Action:   c.Method() + " " + endpoint,
				Status:   c.Response().StatusCode(),
				Severity: string(SeverityLow),
				Actor:    client,
				Resource: endpoint,
				Duration: time.Since(start),
			})
		}()

		// Firewall. A panic inside a gating component fails closed: these
		// exist to deny unsafe traffic.
		verdict, faulted := p.inspectGuarded(c)
		if faulted {
			return p.rejectFault(c, client, endpoint, "inspector")
		}
		if verdict.Blocked {
			p.monitor.Record(SecurityEvent{
				Type:     EventWAFBlock,
				Client:   client,
				Endpoint: endpoint,
				Severity: SeverityHigh,
				Details: map[string]string{
					"category": string(verdict.Category),
					"location": string(verdict.Location),
					"field":    verdict.Field,
				},
			})
			return writeReject(c, fiber.StatusBadRequest, ErrCodeWAFBlocked,
				"request blocked by security policy", 0)
		}

		// Admission.
		decision, faulted := p.admitGuarded(c, client)
		if faulted {
			return p.rejectFault(c, client, endpoint, "tracker")
		}
		if !decision.Allowed {
			severity := SeverityMedium
			if decision.Reason == ReasonBlacklisted {
				severity = SeverityHigh
			}
			p.monitor.Record(SecurityEvent{
				Type:     EventAbuseReject,
				Client:   client,
				Endpoint: endpoint,
				Severity: severity,
				Details:  map[string]string{"reason": string(decision.Reason)},
			})
			return writeReject(c, fiber.StatusTooManyRequests, ErrCodeDDoSProtection,
				"too many requests", decision.RetryAfter)
		}

		// Quota.
		if !p.limiter.Bypassed(endpoint) {
			decision, faulted = p.checkGuarded(c, client)
			if faulted {
				return p.rejectFault(c, client, endpoint, "limiter")
			}
			if !decision.Allowed {
				p.monitor.Record(SecurityEvent{
					Type:     EventRateLimit,
					Client:   client,
					Endpoint: endpoint,
					Severity: SeverityLow,
					Details:  map[string]string{"operation": p.ResolveOperation(c)},
				})
				return writeReject(c, fiber.StatusTooManyRequests, ErrCodeRateLimit,
					"rate limit exceeded", decision.RetryAfter)
			}
		}

		return c.Next()
	}
}

func (p *Pipeline) inspectGuarded(c *fiber.Ctx) (verdict Verdict, faulted bool) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Interface("panic", r).Msg("inspector fault")
			faulted = true
		}
	}()
	return p.inspector.Inspect(c), false
}

func (p *Pipeline) admitGuarded(c *fiber.Ctx, client string) (decision Decision, faulted bool) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Interface("panic", r).Msg("tracker fault")
			faulted = true
		}
	}()
	return p.tracker.Admit(client, RequestMeta{
		Method:    c.Method(),
		Path:      c.Path(),
		UserAgent: c.Get("User-Agent"),
	}), false
}

func (p *Pipeline) checkGuarded(c *fiber.Ctx, client string) (decision Decision, faulted bool) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Interface("panic", r).Msg("limiter fault")
			faulted = true
		}
	}()
	return p.limiter.Check(c.Context(), client, p.ResolveOperation(c), p.ResolveProfile(c)), false
}

// rejectFault records a protection-layer failure as a CRITICAL event, which
// triggers synchronous alert delivery, and denies the request.
func (p *Pipeline) rejectFault(c *fiber.Ctx, client, endpoint, component string) error {
	p.monitor.Record(SecurityEvent{
		Type:     EventInternalFault,
		Client:   client,
		Endpoint: endpoint,
		Severity: SeverityCritical,
		Details:  map[string]string{"component": component},
	})
	return writeReject(c, fiber.StatusServiceUnavailable, ErrCodeInternal,
		"request could not be processed", 0)
}

func writeReject(c *fiber.Ctx, status int, code, message string, retryAfter time.Duration) error {
	body := fiber.Map{
		"statusCode": status,
		"message":    message,
		"error":      code,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	}
	if retryAfter > 0 {
		seconds := int(retryAfter.Round(time.Second).Seconds())
		if seconds < 1 {
			seconds = 1
		}
		body["retryAfter"] = seconds
		c.Set("Retry-After", strconv.Itoa(seconds))
	}
	return c.Status(status).JSON(body)
}

// CachedRoute wraps a read-only handler in the response cache: GET requests
// flow through Wrap so concurrent misses collapse into one handler run;
// everything else executes the handler directly. The cached value is the
// handler's serialized response body.
func (p *Pipeline) CachedRoute(spec CacheSpec, argsFn func(c *fiber.Ctx) map[string]any, handler fiber.Handler) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if c.Method() != fiber.MethodGet || p.cache == nil {
			return handler(c)
		}
		args := map[string]any{}
		if argsFn != nil {
			args = argsFn(c)
		}
		body, err := p.cacheGuarded(c, spec, args, handler)
		if err != nil {
			return err
		}
		c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
		return c.Send(body)
	}
}

// cacheGuarded runs the handler through the cache, failing open: a cache
// panic degrades to a direct handler call, since caching is an optimization
// and never a gate.
func (p *Pipeline) cacheGuarded(c *fiber.Ctx, spec CacheSpec, args map[string]any, handler fiber.Handler) (body []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Interface("panic", r).Msg("cache fault, serving uncached")
			if handlerErr := handler(c); handlerErr != nil {
				body, err = nil, handlerErr
				return
			}
			body = append([]byte(nil), c.Response().Body()...)
			err = nil
		}
	}()
	return p.cache.Wrap(c.Context(), spec, args, func(context.Context) ([]byte, error) {
		if err := handler(c); err != nil {
			return nil, err
		}
		return append([]byte(nil), c.Response().Body()...), nil
	})
}
