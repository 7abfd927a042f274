// Package validation provides input validation helpers for the HTTP layer.
package validation

import (
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum accepted request body (10 MiB).
const MaxRequestSize = 10 << 20

var (
	ethAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	hexRegex        = regexp.MustCompile(`^(0x)?[a-fA-F0-9]+$`)
)

// RequestSizeMiddleware caps the request body. Requests that declare a
// larger Content-Length are rejected with 413 before any handler runs;
// bodies without a length are cut off by http.MaxBytesReader on read.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxSize {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":     "PAYLOAD_TOO_LARGE",
				"message":   "request body exceeds " + strconv.FormatInt(maxSize, 10) + " bytes",
				"requestId": c.GetString("requestId"),
			})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsBodyTooLarge reports whether err came from a MaxBytesReader limit.
func IsBodyTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}

// IsValidEthAddress checks if a string is a valid Ethereum address
func IsValidEthAddress(addr string) bool {
	return ethAddressRegex.MatchString(addr)
}

// IsValidHex checks if a string is valid hex
func IsValidHex(s string) bool {
	return hexRegex.MatchString(s)
}

// SanitizeAddress normalizes an Ethereum address to lowercase 0x form.
func SanitizeAddress(addr string) string {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if !strings.HasPrefix(addr, "0x") && len(addr) == 40 {
		addr = "0x" + addr
	}
	return addr
}

// ValidationError represents a single invalid field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs validators and collects their failures.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// ValidAddress checks that a field is an Ethereum address.
func ValidAddress(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if !IsValidEthAddress(value) {
			return &ValidationError{Field: field, Message: "must be a valid Ethereum address (0x...)"}
		}
		return nil
	}
}

// PositiveInt checks that a field parses as an integer greater than zero.
func PositiveInt(field, value string) func() *ValidationError {
	return func() *ValidationError {
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil || n <= 0 {
			return &ValidationError{Field: field, Message: "must be a positive integer"}
		}
		return nil
	}
}

// MaxItems checks a list length bound.
func MaxItems(field string, n, max int) func() *ValidationError {
	return func() *ValidationError {
		if n == 0 {
			return &ValidationError{Field: field, Message: "must not be empty"}
		}
		if n > max {
			return &ValidationError{Field: field, Message: "exceeds maximum of " + strconv.Itoa(max) + " items"}
		}
		return nil
	}
}
