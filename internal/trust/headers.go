// Package trust implements trust-context extraction, propagation, and the
// session trust store for agent-originated requests.
package trust

import (
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
)

// Trust header names (canonical case).
const (
	HeaderTraceID         = "X-EATP-Trace-ID"
	HeaderAgentID         = "X-EATP-Agent-ID"
	HeaderHumanOrigin     = "X-EATP-Human-Origin"
	HeaderDelegationChain = "X-EATP-Delegation-Chain"
	HeaderDelegationDepth = "X-EATP-Delegation-Depth"
	HeaderConstraints     = "X-EATP-Constraints"
	HeaderSessionID       = "X-EATP-Session-ID"
	HeaderSignature       = "X-EATP-Signature"
)

// headerNames lists every trust header, for raw passthrough.
var headerNames = []string{
	HeaderTraceID,
	HeaderAgentID,
	HeaderHumanOrigin,
	HeaderDelegationChain,
	HeaderDelegationDepth,
	HeaderConstraints,
	HeaderSessionID,
	HeaderSignature,
}

// Envelope is the parsed trust context of one inbound request. Constructed
// fresh per request, never mutated, only forwarded.
type Envelope struct {
	TraceID         string
	AgentID         string
	HumanOrigin     map[string]any
	DelegationChain []string
	DelegationDepth int
	Constraints     map[string]any
	SessionID       string
	Signature       string

	// RawHeaders preserves the original header values for forwarding to
	// services that want them untouched.
	RawHeaders map[string]string
}

// IsValid reports whether the envelope carries the minimum for a trusted
// agent request: both a trace id and an agent id.
func (e *Envelope) IsValid() bool {
	return e.TraceID != "" && e.AgentID != ""
}

// HasHumanOrigin reports whether a human-origin object was decoded.
func (e *Envelope) HasHumanOrigin() bool {
	return e.HumanOrigin != nil
}

// Extractor parses trust headers. Parsing never fails: malformed values
// degrade to nil/empty with a log line, so a bad header can never take
// down the request path.
type Extractor struct {
	logger *slog.Logger
}

// NewExtractor creates a header extractor.
func NewExtractor(logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{logger: logger}
}

// Extract parses the trust header set from request headers. Lookup is
// case-insensitive (http.Header canonicalizes on Get).
func (x *Extractor) Extract(headers http.Header) *Envelope {
	env := &Envelope{
		TraceID:         headers.Get(HeaderTraceID),
		AgentID:         headers.Get(HeaderAgentID),
		SessionID:       headers.Get(HeaderSessionID),
		Signature:       headers.Get(HeaderSignature),
		HumanOrigin:     x.decodeBase64JSON(headers.Get(HeaderHumanOrigin), HeaderHumanOrigin),
		DelegationChain: x.parseChain(headers.Get(HeaderDelegationChain)),
		DelegationDepth: x.parseDepth(headers.Get(HeaderDelegationDepth)),
		RawHeaders:      map[string]string{},
	}

	env.Constraints = x.decodeBase64JSON(headers.Get(HeaderConstraints), HeaderConstraints)
	if env.Constraints == nil {
		env.Constraints = map[string]any{}
	}

	for _, name := range headerNames {
		if value := headers.Get(name); value != "" {
			env.RawHeaders[name] = value
		}
	}

	return env
}

// ToHeaders renders an envelope back into forwardable headers: the exact
// inverse of Extract. Empty fields are omitted; human-origin and
// constraints re-encode as base64(JSON); the chain encodes as a JSON
// array; a zero depth is omitted.
func (x *Extractor) ToHeaders(env *Envelope) http.Header {
	headers := http.Header{}

	if env.TraceID != "" {
		headers.Set(HeaderTraceID, env.TraceID)
	}
	if env.AgentID != "" {
		headers.Set(HeaderAgentID, env.AgentID)
	}
	if env.SessionID != "" {
		headers.Set(HeaderSessionID, env.SessionID)
	}
	if env.Signature != "" {
		headers.Set(HeaderSignature, env.Signature)
	}
	if env.HumanOrigin != nil {
		headers.Set(HeaderHumanOrigin, encodeBase64JSON(env.HumanOrigin))
	}
	if len(env.Constraints) > 0 {
		headers.Set(HeaderConstraints, encodeBase64JSON(env.Constraints))
	}
	if len(env.DelegationChain) > 0 {
		encoded, _ := json.Marshal(env.DelegationChain)
		headers.Set(HeaderDelegationChain, string(encoded))
	}
	if env.DelegationDepth != 0 {
		headers.Set(HeaderDelegationDepth, strconv.Itoa(env.DelegationDepth))
	}

	return headers
}

// decodeBase64JSON decodes base64-then-JSON, falling back to direct JSON
// when the value is not base64. Any failure yields nil with a log line.
func (x *Extractor) decodeBase64JSON(value, fieldName string) map[string]any {
	if value == "" {
		return nil
	}

	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
		var out map[string]any
		if err := json.Unmarshal(decoded, &out); err != nil {
			x.logger.Warn("malformed JSON after base64 decode",
				"header", fieldName, "error", err)
			return nil
		}
		return out
	}
	x.logger.Debug("base64 decode failed, trying direct JSON parse", "header", fieldName)

	var out map[string]any
	if err := json.Unmarshal([]byte(value), &out); err != nil {
		x.logger.Warn("unparseable trust header", "header", fieldName, "error", err)
		return nil
	}
	return out
}

// parseChain accepts a JSON array or a comma-separated list of agent ids.
func (x *Extractor) parseChain(value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return []string{}
	}

	if strings.HasPrefix(value, "[") {
		var chain []any
		if err := json.Unmarshal([]byte(value), &chain); err == nil {
			out := make([]string, 0, len(chain))
			for _, item := range chain {
				if s, ok := item.(string); ok {
					if s = strings.TrimSpace(s); s != "" {
						out = append(out, s)
					}
				}
			}
			return out
		}
		x.logger.Debug("delegation chain is not a JSON array, trying comma format")
	}

	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseDepth parses the depth header; absence or garbage yields zero.
func (x *Extractor) parseDepth(value string) int {
	if value == "" {
		return 0
	}
	depth, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		x.logger.Warn("invalid delegation depth", "value", value)
		return 0
	}
	return depth
}

func encodeBase64JSON(value map[string]any) string {
	encoded, _ := json.Marshal(value)
	return base64.StdEncoding.EncodeToString(encoded)
}
