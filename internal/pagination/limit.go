// Package pagination parses list bounds from query strings.
package pagination

import (
	"strconv"

	"github.com/gin-gonic/gin"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// ParseLimit reads a limit value. Missing or malformed input yields def;
// values above max are clamped.
func ParseLimit(raw string, def, max int) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// Limit reads ?limit= with the package defaults.
func Limit(c *gin.Context) int {
	return ParseLimit(c.Query("limit"), DefaultLimit, MaxLimit)
}
