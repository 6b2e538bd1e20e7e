package relay

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeJWT(t *testing.T, payload interface{}) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	body := base64.RawURLEncoding.EncodeToString(raw)
	return header + "." + body + ".c2lnbmF0dXJl"
}

func TestExtractDirectScan(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "token amid noise",
			input: "export GOOGLE_TOKEN=ya29.a0Ab123XYZ_veryLongToken; echo done",
			want:  "ya29.a0Ab123XYZ_veryLongToken",
		},
		{
			name:  "span ends at first non-matching character",
			input: "...ya29.a0Ab123XYZ_veryLongToken...noise...",
			want:  "ya29.a0Ab123XYZ_veryLongToken",
		},
		{
			name:  "first occurrence wins",
			input: "ya29.firstTokenCandidate_ABC then ya29.secondTokenCandidate_DEF",
			want:  "ya29.firstTokenCandidate_ABC",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Extract([]byte(tt.input))
			require.NotNil(t, res)
			assert.Equal(t, tt.want, res.Token)
			assert.Equal(t, MethodDirectScan, res.Method)
		})
	}
}

func TestExtractNestedJSONField(t *testing.T) {
	input := `{"session":{"accessToken":"ya29.ABC123longenough"}}`

	res := Extract([]byte(input))
	require.NotNil(t, res)
	assert.Equal(t, "ya29.ABC123longenough", res.Token)
}

func TestExtractBareJWTPayload(t *testing.T) {
	token := makeJWT(t, map[string]string{
		"sub":          "user-1",
		"access_token": "ya29.InnerTokenValue_abc123",
	})

	res := Extract([]byte(token))
	require.NotNil(t, res)
	assert.Equal(t, "ya29.InnerTokenValue_abc123", res.Token)
	assert.Equal(t, MethodJWTPayload, res.Method)
}

func TestExtractJWTEmbeddedInJSON(t *testing.T) {
	jwt := makeJWT(t, map[string]string{"access_token": "ya29.EmbeddedInnerToken_xyz"})
	input := `{"cookies":{"id_token":"` + jwt + `"}}`

	res := Extract([]byte(input))
	require.NotNil(t, res)
	assert.Equal(t, "ya29.EmbeddedInnerToken_xyz", res.Token)
	assert.Equal(t, MethodJWTPayload, res.Method)
}

func TestExtractAliasPreferredOverGenericHit(t *testing.T) {
	// The generic hit appears first in document order; the aliased field must
	// still win.
	jwt := makeJWT(t, json.RawMessage(`{"note":"ya29.GenericHitCandidate_a","access_token":"ya29.AliasHitCandidate_bb"}`))

	res := Extract([]byte(jwt))
	require.NotNil(t, res)
	assert.Equal(t, "ya29.AliasHitCandidate_bb", res.Token)
}

func TestExtractCookieExportArray(t *testing.T) {
	input := `[
		{"name":"NID","value":"irrelevant"},
		{"name":"__SESSION","value":"opaque-session-value"}
	]`

	res := Extract([]byte(input))
	require.NotNil(t, res)
	assert.Equal(t, "opaque-session-value", res.Token)
	assert.Equal(t, MethodJSONField, res.Method)
}

func TestExtractNetscapeCookieFile(t *testing.T) {
	lines := []string{
		"# Netscape HTTP Cookie File",
		"# This is a generated file! Do not edit.",
		"",
		strings.Join([]string{".google.com", "TRUE", "/", "TRUE", "1893456000", "NID", "noise"}, "\t"),
		strings.Join([]string{".labs.google", "TRUE", "/", "TRUE", "1893456000", "__SESSION", "session-cookie-value"}, "\t"),
	}

	res := Extract([]byte(strings.Join(lines, "\n")))
	require.NotNil(t, res)
	assert.Equal(t, "session-cookie-value", res.Token)
	assert.Equal(t, MethodNetscapeCookie, res.Method)
}

func TestExtractNetscapeCookieWithJWTValue(t *testing.T) {
	jwt := makeJWT(t, map[string]string{"accessToken": "ya29.FromNetscapeJWT_abc1"})
	line := strings.Join([]string{".labs.google", "TRUE", "/", "TRUE", "1893456000", "__Secure-next-auth.session-token", jwt}, "\t")

	res := Extract([]byte("# comment\n" + line + "\n"))
	require.NotNil(t, res)
	assert.Equal(t, "ya29.FromNetscapeJWT_abc1", res.Token)
	assert.Equal(t, MethodJWTPayload, res.Method)
}

func TestExtractNothingFound(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
	}{
		{"empty", nil},
		{"plain text", []byte("nothing to see here")},
		{"json without tokens", []byte(`{"a":1,"b":[true,null]}`)},
		{"binary garbage", []byte{0xff, 0xfe, 0x00, 0x12, 0x81, 0xff}},
		{"truncated json", []byte(`{"accessToken":"ya29`)},
		{"short prefix only", []byte("ya29.short")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				assert.Nil(t, Extract(tt.input))
			})
		})
	}
}

func TestExtractMalformedJWTDoesNotAbortScan(t *testing.T) {
	// The broken JWT value fails its decode attempt; the scan still finds the
	// aliased field later in the document.
	input := `{"id_token":"aaa.b.ccc","accessToken":"ya29.RecoveredAfterBadJWT_1"}`

	res := Extract([]byte(input))
	require.NotNil(t, res)
	assert.Equal(t, "ya29.RecoveredAfterBadJWT_1", res.Token)
}
