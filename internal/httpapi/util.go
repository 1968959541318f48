package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"edc-detector/internal/models"
)

const maxBodyBytes = 64 << 10

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func readBodyJSON(r *http.Request, maxBytes int64, out any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBytes))
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}

func readBody(r *http.Request, maxBytes int64) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r.Body, maxBytes))
}

// writeError 将领域错误映射为 HTTP 状态码
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrNotFound), errors.Is(err, models.ErrUnknownItem):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrDuplicateIdentifier):
		status = http.StatusConflict
	case errors.Is(err, models.ErrMalformedEvent), errors.Is(err, models.ErrInvalidItem), errors.Is(err, models.ErrInvalidState):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrIngestorClosed):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, Fail(err.Error()))
}
