package edgeward

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/time/rate"
)

// AdminAPI exposes the role-gated management surface: aggregated stats,
// report generation, blacklist management and composite health. The role
// claim is supplied by the external auth collaborator; the API only checks
// it. A token bucket shields the endpoints from being used as an amplifier.
type AdminAPI struct {
	pipeline *Pipeline
	role     string
	guard    *rate.Limiter
}

func NewAdminAPI(pipeline *Pipeline, requiredRole string) *AdminAPI {
	if requiredRole == "" {
		requiredRole = "admin"
	}
	return &AdminAPI{
		pipeline: pipeline,
		role:     requiredRole,
		guard:    rate.NewLimiter(rate.Limit(5), 10),
	}
}

// Register mounts the admin routes on the given router group.
func (a *AdminAPI) Register(router fiber.Router) {
	router.Use(a.gate)
	router.Get("/stats", a.stats)
	router.Get("/report", a.report)
	router.Get("/health", a.health)
	router.Post("/blacklist", a.blacklist)
	router.Post("/unblacklist", a.unblacklist)
}

func (a *AdminAPI) gate(c *fiber.Ctx) error {
	if !a.guard.Allow() {
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
			"error": "admin API rate limit exceeded",
		})
	}
	role := c.Get("X-Role")
	if local, ok := c.Locals("role").(string); ok && local != "" {
		role = local
	}
	if role != a.role {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error": "insufficient role",
		})
	}
	return c.Next()
}

func (a *AdminAPI) stats(c *fiber.Ctx) error {
	window := parseWindow(c.Query("window"), 5*time.Minute)
	return c.JSON(fiber.Map{
		"tracker":   a.pipeline.Tracker().Stats(),
		"aggregate": a.pipeline.Monitor().Aggregate(window),
	})
}

func (a *AdminAPI) report(c *fiber.Ctx) error {
	window := parseWindow(c.Query("window"), time.Hour)
	monitor := a.pipeline.Monitor()
	return c.JSON(fiber.Map{
		"generatedAt":     time.Now().UTC().Format(time.RFC3339),
		"window":          window.String(),
		"aggregate":       monitor.Aggregate(window),
		"recommendations": monitor.Recommend(),
		"tracker":         a.pipeline.Tracker().Stats(),
	})
}

func (a *AdminAPI) health(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
	defer cancel()

	status := a.pipeline.Monitor().Health()
	limiterDegraded := a.pipeline.Limiter().Degraded()
	cacheDegraded := a.pipeline.Cache() != nil && a.pipeline.Cache().Degraded()

	backend := "ok"
	if err := a.pipeline.Limiter().HealthCheck(ctx); err != nil {
		backend = err.Error()
	} else if cache := a.pipeline.Cache(); cache != nil {
		if err := cache.HealthCheck(ctx); err != nil {
			backend = err.Error()
		}
	}

	if status == HealthHealthy && (limiterDegraded || cacheDegraded || backend != "ok") {
		status = HealthDegraded
	}
	code := fiber.StatusOK
	if status == HealthUnhealthy {
		code = fiber.StatusServiceUnavailable
	}
	return c.Status(code).JSON(fiber.Map{
		"status":          status,
		"backend":         backend,
		"limiterDegraded": limiterDegraded,
		"cacheDegraded":   cacheDegraded,
	})
}

type blacklistRequest struct {
	Client string `json:"client"`
	Reason string `json:"reason"`
}

func (a *AdminAPI) blacklist(c *fiber.Ctx) error {
	var req blacklistRequest
	if err := c.BodyParser(&req); err != nil || req.Client == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "client is required",
		})
	}
	a.pipeline.Tracker().Blacklist(req.Client, req.Reason)
	a.pipeline.Monitor().Record(SecurityEvent{
		Type:     EventBlacklistAdmin,
		Client:   req.Client,
		Severity: SeverityMedium,
		Details:  map[string]string{"action": "blacklist", "reason": req.Reason},
	})
	return c.JSON(fiber.Map{"blacklisted": req.Client})
}

func (a *AdminAPI) unblacklist(c *fiber.Ctx) error {
	var req blacklistRequest
	if err := c.BodyParser(&req); err != nil || req.Client == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "client is required",
		})
	}
	removed := a.pipeline.Tracker().Unblacklist(req.Client, req.Reason)
	if removed {
		a.pipeline.Monitor().Record(SecurityEvent{
			Type:     EventBlacklistAdmin,
			Client:   req.Client,
			Severity: SeverityMedium,
			Details:  map[string]string{"action": "unblacklist", "reason": req.Reason},
		})
	}
	return c.JSON(fiber.Map{"removed": removed})
}

func parseWindow(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return d
	}
	return fallback
}
