// Package auth implements the control plane's request-signing protocol: the
// auth envelope carried on every inference request, the canonical byte
// serialization the signature is computed over, the replay window, and the
// public-key fetch at startup.
package auth

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"unicode/utf16"

	"github.com/cloudrigs/goworker/pkg/apierr"
)

// AuthData is the control plane's authorization of one inference call.
// Field declaration order matters: it is the key order of the canonical
// message the signature covers.
type AuthData struct {
	Signature string `json:"signature"`
	Cost      string `json:"cost"`
	Endpoint  string `json:"endpoint"`
	Reqnum    int64  `json:"reqnum"`
	URL       string `json:"url"`
}

var authFields = []string{"signature", "cost", "endpoint", "reqnum", "url"}

// ParseAuthData decodes an auth envelope and validates field presence.
// Missing fields are reported as apierr.FieldErrors with the value
// "missing parameter", one entry per absent field.
func ParseAuthData(raw json.RawMessage) (AuthData, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return AuthData{}, fmt.Errorf("auth_data is not an object: %w", err)
	}

	errs := apierr.FieldErrors{}
	for _, name := range authFields {
		if _, ok := fields[name]; !ok {
			errs[name] = "missing parameter"
		}
	}
	if len(errs) > 0 {
		return AuthData{}, errs
	}

	var a AuthData
	if err := json.Unmarshal(raw, &a); err != nil {
		return AuthData{}, fmt.Errorf("decode auth_data: %w", err)
	}
	return a, nil
}

// CanonicalMessage returns the exact byte sequence the control plane signed:
// the envelope minus its signature field, serialized as 4-space-indented JSON
// with keys in declaration order (cost, endpoint, reqnum, url) and ASCII-only
// string escaping. The layout is part of the wire contract and is pinned here
// rather than delegated to encoding/json, whose escaping rules differ.
func (a AuthData) CanonicalMessage() []byte {
	var b bytes.Buffer
	b.WriteString("{\n")
	b.WriteString(`    "cost": `)
	writeJSONString(&b, a.Cost)
	b.WriteString(",\n")
	b.WriteString(`    "endpoint": `)
	writeJSONString(&b, a.Endpoint)
	b.WriteString(",\n")
	b.WriteString(`    "reqnum": `)
	b.WriteString(strconv.FormatInt(a.Reqnum, 10))
	b.WriteString(",\n")
	b.WriteString(`    "url": `)
	writeJSONString(&b, a.URL)
	b.WriteString("\n}")
	return b.Bytes()
}

// writeJSONString quotes s with ASCII-only escaping: control characters use
// the short forms where they exist, everything else below 0x20 and every rune
// above 0x7F becomes \uXXXX (surrogate pairs beyond the BMP).
func writeJSONString(b *bytes.Buffer, s string) {
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		case '\b':
			b.WriteString(`\b`)
		case '\f':
			b.WriteString(`\f`)
		default:
			switch {
			case r < 0x20:
				fmt.Fprintf(b, `\u%04x`, r)
			case r < 0x80:
				b.WriteRune(r)
			case r > 0xFFFF:
				hi, lo := utf16.EncodeRune(r)
				fmt.Fprintf(b, `\u%04x\u%04x`, hi, lo)
			default:
				fmt.Fprintf(b, `\u%04x`, r)
			}
		}
	}
	b.WriteByte('"')
}
