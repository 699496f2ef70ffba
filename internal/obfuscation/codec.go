// Package obfuscation provides a reversible, non-cryptographic transform for values kept in
// durable client storage. It only deters casual inspection of the credentials file and must not
// be treated as a security boundary.
package obfuscation

import (
	"encoding/base64"
	"strings"
)

// Codec encodes plaintext as base64(plaintext + key) and reverses the transform.
type Codec struct {
	key string
}

// NewCodec returns a Codec using the provided suffix key. An empty key is allowed.
func NewCodec(key string) Codec {
	return Codec{key: key}
}

// Encode returns the opaque form of plaintext.
func (c Codec) Encode(plaintext string) string {
	return base64.StdEncoding.EncodeToString([]byte(plaintext + c.key))
}

// Decode reverses Encode. It reports false for malformed input and never panics.
func (c Codec) Decode(opaque string) (string, bool) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(opaque))
	if err != nil {
		return "", false
	}
	decoded := string(raw)
	if !strings.HasSuffix(decoded, c.key) {
		return "", false
	}
	return strings.TrimSuffix(decoded, c.key), true
}
