package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"rusted-workshop-web/backend"
	"rusted-workshop-web/models"
	"rusted-workshop-web/utils"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeSuccess(w http.ResponseWriter, data any, message string) {
	writeJSON(w, http.StatusOK, models.APIResponse[any]{Success: true, Data: data, Message: message})
}

func writeError(w http.ResponseWriter, apiErr *utils.APIError) {
	status := apiErr.StatusCode
	if status == 0 {
		status = apiErr.Code.HTTPStatus()
	}
	writeJSON(w, status, models.APIResponse[any]{
		Success:   false,
		Message:   apiErr.Message,
		ErrorCode: string(apiErr.Code),
	})
}

// backendFailure converts an error from the translation backend client.
// 401 and 403 become AUTH_ERROR. A 404 becomes TASK_NOT_FOUND when
// notFound is set, as does an explicit TASK_NOT_FOUND from the backend.
// Other failures keep the backend's error code, else fallback, and its
// status unless the backend reported the failure with a 2xx answer.
// Transport failures and an open circuit are NETWORK_ERROR 500.
func backendFailure(err error, fallback utils.ErrorCode, notFound bool) *utils.APIError {
	var apiErr *utils.APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	if se, ok := backend.AsStatusError(err); ok {
		code := fallback
		if se.Code != "" {
			code = utils.ErrorCode(se.Code)
		}
		switch {
		case se.StatusCode == http.StatusUnauthorized || se.StatusCode == http.StatusForbidden:
			return utils.WrapAPIError(utils.ErrCodeAuth, se.Message, se.StatusCode, err)
		case code == utils.ErrCodeTaskNotFound:
			return utils.WrapAPIError(utils.ErrCodeTaskNotFound, se.Message, http.StatusNotFound, err)
		case notFound && se.StatusCode == http.StatusNotFound:
			return utils.WrapAPIError(utils.ErrCodeTaskNotFound, "", http.StatusNotFound, err)
		}
		status := se.StatusCode
		if status < http.StatusBadRequest {
			status = code.HTTPStatus()
		}
		return utils.WrapAPIError(code, se.Message, status, err)
	}

	if errors.Is(err, utils.ErrCircuitBreakerOpen) {
		return utils.WrapAPIError(utils.ErrCodeNetwork, "backend temporarily unavailable", http.StatusInternalServerError, err)
	}
	return utils.WrapAPIError(utils.ErrCodeNetwork, "", http.StatusInternalServerError, err)
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
