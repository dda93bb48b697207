package app

import (
	"errors"
	"net/http"

	"chronicle/coedit/internal/blob"
	"chronicle/coedit/internal/domainerr"
	"chronicle/coedit/internal/gitrepo"
	"chronicle/coedit/internal/store"
)

var kindStatus = map[domainerr.Kind]int{
	domainerr.KindValidation: http.StatusBadRequest,
	domainerr.KindNotFound:   http.StatusNotFound,
	domainerr.KindSafety:     http.StatusUnprocessableEntity,
	domainerr.KindCapacity:   http.StatusRequestEntityTooLarge,
	domainerr.KindOperation:  http.StatusBadGateway,
	domainerr.KindNetwork:    http.StatusServiceUnavailable,
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *domainerr.Error
	if errors.As(err, &domainErr) {
		status, ok := kindStatus[domainErr.Kind]
		if !ok {
			status = http.StatusInternalServerError
		}
		return status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, gitrepo.ErrNoCheckpoints) || errors.Is(err, blob.ErrNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
