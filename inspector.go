package edgeward

import (
	"encoding/json"
	"fmt"
	"html"
	"mime/multipart"
	"net/url"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
)

// ScanLocation names the request part that produced a block.
type ScanLocation string

const (
	LocationBody   ScanLocation = "body"
	LocationQuery  ScanLocation = "query"
	LocationParams ScanLocation = "params"
	LocationHeader ScanLocation = "header"
	LocationFile   ScanLocation = "file"
)

// Verdict is the outcome of a single request inspection.
type Verdict struct {
	Blocked  bool
	Category AttackCategory
	Location ScanLocation
	Field    string
}

// InspectorConfig controls the firewall. Zero values take the documented
// defaults.
type InspectorConfig struct {
	MaxBodyBytes      int64    `yaml:"maxBodyBytes"`
	MaxFileBytes      int64    `yaml:"maxFileBytes"`
	BlockedExtensions []string `yaml:"blockedExtensions"`
	// SkipRoutes bypass inspection entirely, for trusted upload endpoints.
	// A trailing * matches by prefix.
	SkipRoutes []string `yaml:"skipRoutes"`
}

func (cfg *InspectorConfig) applyDefaults() {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.MaxFileBytes <= 0 {
		cfg.MaxFileBytes = 10 << 20
	}
	if len(cfg.BlockedExtensions) == 0 {
		cfg.BlockedExtensions = defaultBlockedExtensions()
	}
}

// RequestInspector scans a single request for known attack signatures. It is
// stateless apart from the reloadable route opt-out set, performs no I/O and
// never blocks.
type RequestInspector struct {
	cfg        InspectorConfig
	signatures []Signature
	log        zerolog.Logger

	mu         sync.RWMutex
	skipExact  map[string]struct{}
	skipPrefix []string
}

func NewRequestInspector(cfg InspectorConfig, log zerolog.Logger) *RequestInspector {
	cfg.applyDefaults()
	ri := &RequestInspector{
		cfg:        cfg,
		signatures: defaultSignatures(),
		log:        log,
	}
	ri.SetSkipRoutes(cfg.SkipRoutes)
	return ri
}

// SetSkipRoutes replaces the opt-out route set. Safe for concurrent use;
// called on config reload.
func (ri *RequestInspector) SetSkipRoutes(routes []string) {
	exact := make(map[string]struct{}, len(routes))
	var prefixes []string
	for _, r := range routes {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if strings.HasSuffix(r, "*") {
			prefixes = append(prefixes, strings.TrimSuffix(r, "*"))
			continue
		}
		exact[r] = struct{}{}
	}
	ri.mu.Lock()
	ri.skipExact = exact
	ri.skipPrefix = prefixes
	ri.mu.Unlock()
}

func (ri *RequestInspector) skipRoute(path string) bool {
	ri.mu.RLock()
	defer ri.mu.RUnlock()
	if _, ok := ri.skipExact[path]; ok {
		return true
	}
	for _, p := range ri.skipPrefix {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// Inspect scans body, query, route params and the header allow-list. The
// first signature match wins; the caller receives only the category and
// location, never the pattern.
func (ri *RequestInspector) Inspect(c *fiber.Ctx) Verdict {
	if ri.skipRoute(c.Path()) {
		return Verdict{}
	}

	if length := int64(c.Request().Header.ContentLength()); length > ri.cfg.MaxBodyBytes {
		return Verdict{Blocked: true, Category: CategoryOversizePayload, Location: LocationBody}
	}

	if v := ri.scanBody(c.Body()); v.Blocked {
		return v
	}
	for key, value := range c.Queries() {
		if v := ri.scanString(key, LocationQuery, key); v.Blocked {
			return v
		}
		if v := ri.scanString(value, LocationQuery, key); v.Blocked {
			return v
		}
	}
	for key, value := range c.AllParams() {
		if v := ri.scanString(value, LocationParams, key); v.Blocked {
			return v
		}
	}
	if v := ri.scanHeaders(c); v.Blocked {
		return v
	}
	if form, err := c.MultipartForm(); err == nil && form != nil {
		if v := ri.scanAttachments(form); v.Blocked {
			return v
		}
	}
	return Verdict{}
}

func (ri *RequestInspector) scanBody(body []byte) Verdict {
	if len(body) == 0 {
		return Verdict{}
	}
	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		// Non-JSON payloads are scanned as one opaque string.
		return ri.scanString(string(body), LocationBody, "")
	}
	return ri.walk(decoded, LocationBody, "")
}

func (ri *RequestInspector) walk(node any, loc ScanLocation, field string) Verdict {
	switch v := node.(type) {
	case string:
		return ri.scanString(v, loc, field)
	case map[string]any:
		for key, child := range v {
			if verdict := ri.scanString(key, loc, key); verdict.Blocked {
				return verdict
			}
			childField := key
			if field != "" {
				childField = field + "." + key
			}
			if verdict := ri.walk(child, loc, childField); verdict.Blocked {
				return verdict
			}
		}
	case []any:
		for i, child := range v {
			if verdict := ri.walk(child, loc, fmt.Sprintf("%s[%d]", field, i)); verdict.Blocked {
				return verdict
			}
		}
	}
	return Verdict{}
}

// inspectedHeaders is the restricted allow-list; everything else is opaque
// transport metadata.
var inspectedHeaders = map[string]struct{}{
	"user-agent": {},
	"referer":    {},
	"origin":     {},
}

func (ri *RequestInspector) scanHeaders(c *fiber.Ctx) Verdict {
	verdict := Verdict{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		if verdict.Blocked {
			return
		}
		name := strings.ToLower(string(key))
		if _, ok := inspectedHeaders[name]; !ok && !strings.HasPrefix(name, "x-") {
			return
		}
		verdict = ri.scanString(string(value), LocationHeader, name)
	})
	return verdict
}

func (ri *RequestInspector) scanAttachments(form *multipart.Form) Verdict {
	for field, files := range form.File {
		for _, file := range files {
			ext := strings.ToLower(filepath.Ext(file.Filename))
			for _, blocked := range ri.cfg.BlockedExtensions {
				if ext == blocked {
					return Verdict{Blocked: true, Category: CategoryForbiddenFile, Location: LocationFile, Field: field}
				}
			}
			if file.Size > ri.cfg.MaxFileBytes {
				return Verdict{Blocked: true, Category: CategoryOversizePayload, Location: LocationFile, Field: field}
			}
			if v := ri.scanString(file.Filename, LocationFile, field); v.Blocked {
				return v
			}
		}
	}
	return Verdict{}
}

func (ri *RequestInspector) scanString(raw string, loc ScanLocation, field string) Verdict {
	if raw == "" {
		return Verdict{}
	}
	decoded := decodeScanTarget(raw)
	for _, sig := range ri.signatures {
		if sig.Match(decoded) || (decoded != raw && sig.Match(raw)) {
			ri.log.Debug().
				Str("category", string(sig.Category)).
				Str("location", string(loc)).
				Str("field", field).
				Msg("signature match")
			return Verdict{Blocked: true, Category: sig.Category, Location: loc, Field: field}
		}
	}
	return Verdict{}
}

// decodeScanTarget normalizes a value before matching: URL decode first, then
// HTML entities. A failed URL decode keeps the raw string so detection still
// runs over whatever the client sent.
func decodeScanTarget(raw string) string {
	decoded := raw
	if unescaped, err := url.QueryUnescape(decoded); err == nil {
		decoded = unescaped
	}
	return html.UnescapeString(decoded)
}
