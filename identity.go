package edgeward

import (
	"net"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// ClientIdentity derives the per-client key used by the tracker, the rate
// limiter and the event monitor. Header order follows proxy trust: the first
// hop recorded in X-Forwarded-For wins, then X-Real-IP, then the transport
// address.
func ClientIdentity(c *fiber.Ctx) string {
	if forwarded := c.Get("X-Forwarded-For"); forwarded != "" {
		first := strings.TrimSpace(strings.Split(forwarded, ",")[0])
		if net.ParseIP(first) != nil {
			return first
		}
	}
	if real := strings.TrimSpace(c.Get("X-Real-IP")); real != "" {
		if net.ParseIP(real) != nil {
			return real
		}
	}
	return c.IP()
}
