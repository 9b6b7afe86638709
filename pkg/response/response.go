package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/ksred/lem-clearing/internal/types"
	"gorm.io/gorm"
)

// Response represents a standardized API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error represents an error response
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes
const (
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeBadRequest        = "BAD_REQUEST"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeForbidden         = "FORBIDDEN"
	ErrCodeInternalError     = "INTERNAL_ERROR"
	ErrCodeDuplicateResource = "DUPLICATE_RESOURCE"
	ErrCodeRateLimited       = "RATE_LIMITED"

	ErrCodeInvalidOrder = "INVALID_ORDER"
	ErrCodeConfig       = "CONFIG_ERROR"
	ErrCodeState        = "STATE_ERROR"
	ErrCodeSettlement   = "SETTLEMENT_ERROR"
	ErrCodeArithmetic   = "ARITHMETIC_ERROR"
)

// domainErrors maps the market error taxonomy to HTTP statuses, most
// specific first.
var domainErrors = []struct {
	err    error
	status int
	code   string
}{
	{types.ErrForbidden, http.StatusForbidden, ErrCodeForbidden},
	{types.ErrNotFound, http.StatusNotFound, ErrCodeNotFound},
	{types.ErrInvalidRequest, http.StatusBadRequest, ErrCodeBadRequest},
	{types.ErrInvalidOrder, http.StatusUnprocessableEntity, ErrCodeInvalidOrder},
	{types.ErrConfig, http.StatusUnprocessableEntity, ErrCodeConfig},
	{types.ErrState, http.StatusConflict, ErrCodeState},
	{types.ErrSettlement, http.StatusConflict, ErrCodeSettlement},
	{types.ErrArithmetic, http.StatusUnprocessableEntity, ErrCodeArithmetic},
}

// Handle processes the error and returns appropriate response
func Handle(c *gin.Context, data interface{}, err error) {
	if err == nil {
		Success(c, data)
		return
	}

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		NotFound(c, "Resource not found")
	case errors.Is(err, gorm.ErrDuplicatedKey):
		Conflict(c, "Resource already exists")
	default:
		handleError(c, err)
	}
}

// Success sends a successful response
func Success(c *gin.Context, data interface{}) {
	status := http.StatusOK
	if c.Request.Method == http.MethodPost {
		status = http.StatusCreated
	}

	c.JSON(status, Response{
		Success: true,
		Data:    data,
	})
}

// NotFound sends a 404 response
func NotFound(c *gin.Context, message string) {
	abort(c, http.StatusNotFound, ErrCodeNotFound, message)
}

// BadRequest sends a 400 response
func BadRequest(c *gin.Context, message string) {
	abort(c, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// Unauthorized sends a 401 response
func Unauthorized(c *gin.Context, message string) {
	abort(c, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// Forbidden sends a 403 response
func Forbidden(c *gin.Context, message string) {
	abort(c, http.StatusForbidden, ErrCodeForbidden, message)
}

// TooManyRequests sends a 429 response
func TooManyRequests(c *gin.Context, message string) {
	abort(c, http.StatusTooManyRequests, ErrCodeRateLimited, message)
}

// InternalError sends a 500 response
func InternalError(c *gin.Context, message string) {
	abort(c, http.StatusInternalServerError, ErrCodeInternalError, message)
}

// Conflict sends a 409 response
func Conflict(c *gin.Context, message string) {
	abort(c, http.StatusConflict, ErrCodeDuplicateResource, message)
}

func abort(c *gin.Context, status int, code, message string) {
	c.JSON(status, Response{
		Success: false,
		Error: &Error{
			Code:    code,
			Message: message,
		},
	})
}

// handleError determines the appropriate error response
func handleError(c *gin.Context, err error) {
	for _, d := range domainErrors {
		if errors.Is(err, d.err) {
			abort(c, d.status, d.code, err.Error())
			return
		}
	}

	// Default to internal server error
	InternalError(c, "An unexpected error occurred")
}
