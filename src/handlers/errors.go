package handlers

import (
	"errors"
	"net/http"

	"github.com/username/cryptotax/src/apperrors"
	"github.com/username/cryptotax/src/services"
	"github.com/username/cryptotax/src/utils"
)

// statusFor maps a service error onto an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, apperrors.ErrCredential):
		return http.StatusUnauthorized
	case errors.Is(err, apperrors.ErrReportNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperrors.ErrUnknownProvider),
		errors.Is(err, apperrors.ErrInvalidFiscalYear),
		errors.Is(err, apperrors.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, apperrors.ErrInsufficientLots):
		return http.StatusUnprocessableEntity
	case errors.Is(err, apperrors.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, apperrors.ErrNetwork):
		return http.StatusBadGateway
	}
	var apiErr *apperrors.APIError
	if errors.As(err, &apiErr) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func sendServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal server error"
	}
	utils.SendJSONError(w, msg, status, services.ErrorCode(err))
}
