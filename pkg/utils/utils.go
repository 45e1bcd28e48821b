package utils

import (
	"crypto/rand"
	"encoding/hex"
	"regexp"
	"time"
)

var tokenPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)

// Interpolate replaces {{field}} tokens with values from vars.
// Unresolved tokens are left verbatim so misconfigured templates stay visible.
func Interpolate(template string, vars map[string]string) string {
	return tokenPattern.ReplaceAllStringFunc(template, func(tok string) string {
		key := tokenPattern.FindStringSubmatch(tok)[1]
		if val, ok := vars[key]; ok {
			return val
		}
		return tok
	})
}

// GenerateID returns a random 32-char hex ID.
func GenerateID() string {
	bytes := make([]byte, 16)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

// FormatTime renders timestamps the way run summaries display them.
func FormatTime(t time.Time) string {
	return t.Format("2006-01-02 15:04:05")
}
