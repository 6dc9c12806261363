// Package validation checks request fields before they reach the
// challenge, ledger and directory services.
package validation

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/mbd888/fitpool/internal/usdc"
)

const (
	// MaxRequestSize caps request bodies at 1 MiB.
	MaxRequestSize = 1 << 20

	// MaxStringLength caps titles and external user references.
	MaxStringLength = 256
)

// Challenge ids end up in ledger references and cache keys.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$`)

// ValidationError names the offending field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is every failed check of one request.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Check inspects one field and returns nil when it is acceptable.
type Check func() *ValidationError

// Validate runs every check and collects the failures.
func Validate(checks ...Check) ValidationErrors {
	var errs ValidationErrors
	for _, check := range checks {
		if ve := check(); ve != nil {
			errs = append(errs, *ve)
		}
	}
	return errs
}

func fail(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsValidEthAddress requires the 0x prefix that common.IsHexAddress
// treats as optional.
func IsValidEthAddress(addr string) bool {
	return strings.HasPrefix(addr, "0x") && common.IsHexAddress(addr)
}

// IsValidID reports whether id can name a challenge.
func IsValidID(id string) bool {
	return idPattern.MatchString(id)
}

// Required rejects blank values.
func Required(field, value string) Check {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return fail(field, "is required")
		}
		return nil
	}
}

// ValidAddress accepts an empty value; pair it with Required when the
// address is mandatory.
func ValidAddress(field, value string) Check {
	return func() *ValidationError {
		if value != "" && !IsValidEthAddress(value) {
			return fail(field, "must be a valid Ethereum address (0x...)")
		}
		return nil
	}
}

// ValidID accepts an empty value like ValidAddress.
func ValidID(field, value string) Check {
	return func() *ValidationError {
		if value != "" && !IsValidID(value) {
			return fail(field, "must be 1-64 characters of letters, digits, '.', '_' or '-'")
		}
		return nil
	}
}

func MaxLength(field, value string, max int) Check {
	return func() *ValidationError {
		if len(value) > max {
			return fail(field, "exceeds maximum length of %d", max)
		}
		return nil
	}
}

// ValidAmount checks an optional decimal USDC amount. Zero passes: free
// challenges have no entry fee and unseeded pools start empty.
func ValidAmount(field, value string) Check {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		return amount(field, value, false)
	}
}

// PositiveAmount checks a mandatory USDC amount of at least one base unit,
// as deposits require.
func PositiveAmount(field, value string) Check {
	return func() *ValidationError {
		return amount(field, value, true)
	}
}

func amount(field, value string, positive bool) *ValidationError {
	units, err := usdc.ParseUnits(value)
	if err != nil {
		return fail(field, "invalid amount format")
	}
	if positive && units <= 0 {
		return fail(field, "amount must be greater than zero")
	}
	return nil
}

// SanitizeString trims s, drops NUL bytes and cuts it to at most maxLen
// bytes without splitting a UTF-8 sequence.
func SanitizeString(s string, maxLen int) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "\x00", "")
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// SanitizeAddress lowercases addr and restores a missing 0x prefix, so
// participant and winner addresses compare equal however they were typed.
func SanitizeAddress(addr string) string {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if len(addr) == 40 && !strings.HasPrefix(addr, "0x") {
		return "0x" + addr
	}
	return addr
}

// RequestSizeMiddleware caps the request body at maxSize bytes.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// AddressParamMiddleware rejects a malformed :address path parameter
// before the handler runs.
func AddressParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if addr := c.Param("address"); addr != "" && !IsValidEthAddress(addr) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_address",
				"message": "address must be a valid Ethereum address (0x + 40 hex chars)",
			})
			return
		}
		c.Next()
	}
}
