package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"library-circulation/library"
)

type errorDetail struct {
	Code      string          `json:"code"`
	Message   string          `json:"message"`
	Field     string          `json:"field,omitempty"`
	Current   library.Status  `json:"currentState,omitempty"`
	Attempted library.Status  `json:"attemptedState,omitempty"`
	Counts    *library.Counts `json:"counts,omitempty"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

var statusByCode = map[string]int{
	library.CodeNotFound:               http.StatusNotFound,
	library.CodeOutOfStock:             http.StatusConflict,
	library.CodeInvalidStateTransition: http.StatusConflict,
	library.CodeAlreadyExists:          http.StatusConflict,
	library.CodeAlreadyRequested:       http.StatusConflict,
	library.CodeAlreadyIssued:          http.StatusConflict,
	library.CodeConcurrentModification: http.StatusConflict,
	library.CodeValidation:             http.StatusBadRequest,
	library.CodeInvalidCredentials:     http.StatusUnauthorized,
}

// writeError renders err as a structured error response.
func writeError(c *gin.Context, err error) {
	code := library.ErrorCode(err)
	status, ok := statusByCode[code]
	if !ok {
		status = http.StatusInternalServerError
	}

	detail := errorDetail{Code: code, Message: err.Error()}

	var stateErr *library.StateError
	var invErr *library.InventoryError
	var valErr *library.ValidationError
	switch {
	case errors.As(err, &stateErr):
		detail.Current, detail.Attempted = stateErr.Current, stateErr.Attempted
	case errors.As(err, &invErr):
		counts := invErr.Counts
		detail.Counts = &counts
	case errors.As(err, &valErr):
		detail.Field = valErr.Field
	}

	if status == http.StatusInternalServerError {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusServiceUnavailable
		}
		// internal details stay in the log
		detail.Message = http.StatusText(status)
	}

	_ = c.Error(err)
	c.AbortWithStatusJSON(status, errorBody{Error: detail})
}

func badRequest(c *gin.Context, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(http.StatusBadRequest, errorBody{Error: errorDetail{
		Code:    library.CodeValidation,
		Message: err.Error(),
	}})
}
