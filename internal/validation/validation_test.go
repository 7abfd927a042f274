package validation

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestRequestSizeMiddleware_DeclaredLengthRejected(t *testing.T) {
	router := gin.New()
	router.Use(RequestSizeMiddleware(10))
	router.POST("/x", func(c *gin.Context) { c.String(200, "ok") })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/x", strings.NewReader(strings.Repeat("a", 11))))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Contains(t, w.Body.String(), "PAYLOAD_TOO_LARGE")
}

func TestRequestSizeMiddleware_StreamingBodyCutOff(t *testing.T) {
	router := gin.New()
	router.Use(RequestSizeMiddleware(10))
	router.POST("/x", func(c *gin.Context) {
		_, err := io.ReadAll(c.Request.Body)
		if IsBodyTooLarge(err) {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest("POST", "/x", strings.NewReader(strings.Repeat("a", 64)))
	req.ContentLength = -1
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestRequestSizeMiddleware_AllowsSmallBody(t *testing.T) {
	router := gin.New()
	router.Use(RequestSizeMiddleware(MaxRequestSize))
	router.POST("/x", func(c *gin.Context) {
		b, err := io.ReadAll(c.Request.Body)
		require.NoError(t, err)
		c.String(200, string(b))
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/x", strings.NewReader("hello")))
	assert.Equal(t, 200, w.Code)
	assert.Equal(t, "hello", w.Body.String())
}

func TestIsValidEthAddress(t *testing.T) {
	assert.True(t, IsValidEthAddress("0x1234567890abcdef1234567890ABCDEF12345678"))
	assert.False(t, IsValidEthAddress("1234567890abcdef1234567890abcdef12345678"))
	assert.False(t, IsValidEthAddress("0x123"))
	assert.False(t, IsValidEthAddress("0xZZ34567890abcdef1234567890abcdef12345678"))
}

func TestSanitizeAddress(t *testing.T) {
	assert.Equal(t, "0xabcdef1234567890abcdef1234567890abcdef12",
		SanitizeAddress("  0xABCDEF1234567890ABCDEF1234567890ABCDEF12 "))
	assert.Equal(t, "0xabcdef1234567890abcdef1234567890abcdef12",
		SanitizeAddress("abcdef1234567890abcdef1234567890abcdef12"))
}

func TestValidate(t *testing.T) {
	errs := Validate(
		ValidAddress("owner", "nope"),
		PositiveInt("chainId", "84532"),
		PositiveInt("limit", "-1"),
		MaxItems("tokenIds", 0, 10),
	)
	require.Len(t, errs, 3)
	assert.Equal(t, "owner", errs[0].Field)
	assert.Equal(t, "limit", errs[1].Field)
	assert.Equal(t, "tokenIds", errs[2].Field)
	assert.Equal(t, "owner: must be a valid Ethereum address (0x...)", errs.Error())

	assert.Empty(t, Validate(MaxItems("tokenIds", 5, 10)))
}
