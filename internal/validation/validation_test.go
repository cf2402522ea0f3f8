package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{"trims whitespace", "  hello  ", 100, "hello"},
		{"limits length", "abcdefghij", 5, "abcde"},
		{"removes null bytes", "ab\x00cd", 100, "abcd"},
		{"empty string", "", 100, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeString(tt.input, tt.maxLen))
		})
	}
}

func TestIsValidEmail(t *testing.T) {
	assert.True(t, IsValidEmail("user@example.com"))
	assert.True(t, IsValidEmail("first.last+tag@sub.example.org"))
	assert.False(t, IsValidEmail(""))
	assert.False(t, IsValidEmail("not-an-email"))
	assert.False(t, IsValidEmail("missing@domain@twice.com"))
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("email", ""),
		ValidEmail("email", ""),
		MaxLength("note", "short", 100),
	)
	assert.Len(t, errs, 1)
	assert.Equal(t, "email", errs[0].Field)
	assert.Contains(t, errs.Error(), "required")

	errs = Validate(
		Required("email", "user@example.com"),
		ValidEmail("email", "user@example.com"),
	)
	assert.Empty(t, errs)

	errs = Validate(ValidEmail("email", "garbage"))
	assert.Len(t, errs, 1)

	errs = Validate(MaxLength("note", strings.Repeat("a", 11), 10))
	assert.Len(t, errs, 1)
}

func TestValidationErrorsError(t *testing.T) {
	assert.Equal(t, "validation failed", ValidationErrors{}.Error())
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RequestSizeMiddleware(10))
	router.POST("/test", func(c *gin.Context) {
		body := make([]byte, 100)
		_, err := c.Request.Body.Read(body)
		if err != nil && err.Error() == "http: request body too large" {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "too large"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	t.Run("small body passes", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader("small"))
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("oversized body rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(strings.Repeat("x", 50)))
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	})
}
