package relay

import (
	"encoding/json"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/golang-jwt/jwt/v5"
	"github.com/iancoleman/orderedmap"
)

// Extraction methods, ordered by confidence.
const (
	MethodDirectScan     = "direct-scan"
	MethodJSONField      = "json-field"
	MethodJWTPayload     = "jwt-payload"
	MethodNetscapeCookie = "netscape-cookie"
)

// ExtractionResult is the transient product of one extraction call.
type ExtractionResult struct {
	Token  string `json:"token"`
	Method string `json:"method"`
}

var (
	// Access tokens are an opaque "ya29." prefix followed by a run of URL-safe
	// base64. The floor keeps header fragments and short noise out of layer 1.
	accessTokenPattern = regexp.MustCompile(`ya29\.[A-Za-z0-9_-]{10,}`)

	jwtShapePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]*$`)
)

// Field names that carry tokens in the wild (extension exports, session dumps,
// API responses pasted wholesale).
var tokenFieldAliases = map[string]bool{
	"accessToken":  true,
	"access_token": true,
	"token":        true,
	"bearerToken":  true,
	"value":        true,
}

var sessionCookieNames = map[string]bool{
	"__SESSION":                        true,
	"__Secure-next-auth.session-token": true,
}

// Extract scans an uploaded artifact of unknown format for a usable access
// token. Layers are strictly ordered and the first match wins: a raw pattern
// scan over the whole input, an order-preserving walk of any JSON structure
// (including JWT payloads embedded as string values), then Netscape cookie
// lines. Returns nil when nothing is found; arbitrary binary garbage also
// yields nil rather than an error.
func Extract(data []byte) *ExtractionResult {
	if m := accessTokenPattern.Find(data); m != nil {
		return &ExtractionResult{Token: string(m), Method: MethodDirectScan}
	}

	if !utf8.Valid(data) {
		return nil
	}
	text := string(data)

	if res := scanJSON([]byte(text)); res != nil {
		return res
	}

	if res := scanBareJWT(text); res != nil {
		return res
	}

	return scanNetscape(text)
}

// scanBareJWT handles an artifact that is nothing but a JWT: decode the
// payload segment and walk it like any other JSON document.
func scanBareJWT(text string) *ExtractionResult {
	trimmed := strings.TrimSpace(text)
	if !jwtShapePattern.MatchString(trimmed) || strings.Count(trimmed, ".") != 2 {
		return nil
	}
	payload := decodeJWTPayload(trimmed)
	if payload == nil {
		return nil
	}
	s := &jsonScan{}
	if !s.walkRaw(payload, true) {
		return nil
	}
	if s.alias != nil {
		return s.alias
	}
	return s.generic
}

// jsonScan accumulates candidates during the ordered walk. An alias-keyed hit
// beats a generic token-shaped string anywhere else in the document; a bare
// session-cookie value is the weakest candidate and only used when nothing
// better turns up.
type jsonScan struct {
	alias   *ExtractionResult
	generic *ExtractionResult
	session *ExtractionResult
	depth   int
}

const maxJSONDepth = 32

func scanJSON(raw []byte) *ExtractionResult {
	s := &jsonScan{}
	if !s.walkRaw(raw, false) {
		return nil
	}
	if s.alias != nil {
		return s.alias
	}
	if s.generic != nil {
		return s.generic
	}
	return s.session
}

// walkRaw parses one JSON value and walks it. Reports whether raw was valid
// JSON at all; parse failure is an expected fall-through, never an error.
func (s *jsonScan) walkRaw(raw []byte, inJWT bool) bool {
	trimmed := strings.TrimSpace(string(raw))
	switch {
	case strings.HasPrefix(trimmed, "{"):
		obj := orderedmap.New()
		if err := json.Unmarshal(raw, obj); err != nil {
			return false
		}
		s.walkObject(obj, inJWT)
		return true
	case strings.HasPrefix(trimmed, "["):
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return false
		}
		for _, item := range items {
			if s.alias != nil {
				break
			}
			s.walkRaw(item, inJWT)
		}
		return true
	default:
		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			return false
		}
		s.walkString("", str, inJWT)
		return true
	}
}

func (s *jsonScan) walkObject(obj *orderedmap.OrderedMap, inJWT bool) {
	if s.depth >= maxJSONDepth {
		return
	}
	s.depth++
	defer func() { s.depth-- }()

	// Cookie-export objects: {"name": "__SESSION", "value": "..."} pairs keep
	// their session token under a generic "value" key.
	if name, ok := obj.Get("name"); ok {
		if nameStr, ok := name.(string); ok && sessionCookieNames[nameStr] {
			if v, ok := obj.Get("value"); ok {
				if valStr, ok := v.(string); ok && valStr != "" {
					s.recordSession(valStr, inJWT)
				}
			}
		}
	}

	for _, key := range obj.Keys() {
		if s.alias != nil {
			return
		}
		v, _ := obj.Get(key)
		s.walkValue(key, v, inJWT)
	}
}

func (s *jsonScan) walkValue(key string, v interface{}, inJWT bool) {
	switch val := v.(type) {
	case string:
		s.walkString(key, val, inJWT)
	case orderedmap.OrderedMap:
		s.walkObject(&val, inJWT)
	case *orderedmap.OrderedMap:
		s.walkObject(val, inJWT)
	case []interface{}:
		for _, item := range val {
			if s.alias != nil {
				return
			}
			s.walkValue("", item, inJWT)
		}
	}
}

func (s *jsonScan) walkString(key, val string, inJWT bool) {
	if m := accessTokenPattern.FindString(val); m != "" {
		method := MethodJSONField
		if inJWT {
			method = MethodJWTPayload
		}
		res := &ExtractionResult{Token: m, Method: method}
		if tokenFieldAliases[key] {
			if s.alias == nil {
				s.alias = res
			}
		} else if s.generic == nil {
			s.generic = res
		}
		return
	}

	// JWT payloads may embed the real token one level down.
	if jwtShapePattern.MatchString(val) && strings.Count(val, ".") == 2 {
		if payload := decodeJWTPayload(val); payload != nil {
			s.walkRaw(payload, true)
		}
	}
}

func (s *jsonScan) recordSession(val string, inJWT bool) {
	if jwtShapePattern.MatchString(val) && strings.Count(val, ".") == 2 {
		if payload := decodeJWTPayload(val); payload != nil {
			s.walkRaw(payload, true)
			return
		}
	}
	if s.session == nil {
		s.session = &ExtractionResult{Token: val, Method: MethodJSONField}
	}
}

// decodeJWTPayload base64url-decodes the middle segment of a JWT-shaped
// string. Malformed padding fails this attempt only, never the overall scan.
func decodeJWTPayload(token string) []byte {
	parts := strings.Split(token, ".")
	if len(parts) != 3 || parts[1] == "" {
		return nil
	}
	payload, err := jwt.NewParser().DecodeSegment(parts[1])
	if err != nil {
		return nil
	}
	return payload
}

// scanNetscape handles tab-separated cookies.txt dumps: seven fields per line,
// name in the sixth, value in the seventh, comment lines skipped.
func scanNetscape(text string) *ExtractionResult {
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(line, "#") || strings.TrimSpace(line) == "" {
			continue
		}
		parts := strings.Split(line, "\t")
		if len(parts) < 7 {
			continue
		}
		name := parts[5]
		value := strings.TrimSpace(parts[6])
		if !sessionCookieNames[name] || value == "" {
			continue
		}

		if jwtShapePattern.MatchString(value) && strings.Count(value, ".") == 2 {
			if payload := decodeJWTPayload(value); payload != nil {
				s := &jsonScan{}
				if s.walkRaw(payload, true) {
					if s.alias != nil {
						return s.alias
					}
					if s.generic != nil {
						return s.generic
					}
				}
			}
		}

		// Lower confidence than a ya29-shaped match, but a session token is
		// still a usable candidate.
		return &ExtractionResult{Token: value, Method: MethodNetscapeCookie}
	}
	return nil
}
