package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"edc-detector/internal/models"

	"go.uber.org/zap"
)

// GET /api/v1/logs?item_id=&since=&kind=
// since 接受 RFC3339 或 Unix 秒
func (h *Handler) listLogs(w http.ResponseWriter, r *http.Request) {
	q, err := parseLogQuery(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Fail(err.Error()))
		return
	}

	it, err := h.log.Query(r.Context(), q)
	if err != nil {
		h.logger.Error("Failed to query event log", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to query event log"))
		return
	}
	defer it.Close()

	entries := make([]models.LogEntry, 0)
	for it.Next() {
		entries = append(entries, it.Entry())
	}
	if err := it.Err(); err != nil {
		h.logger.Error("Failed to read event log", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to read event log"))
		return
	}

	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"entries": entries,
		"total":   len(entries),
	}))
}

// GET /api/v1/logs/export
func (h *Handler) exportLogs(w http.ResponseWriter, r *http.Request) {
	q, err := parseLogQuery(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Fail(err.Error()))
		return
	}

	it, err := h.log.Query(r.Context(), q)
	if err != nil {
		h.logger.Error("Failed to query event log", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to query event log"))
		return
	}
	defer it.Close()

	data, err := GenerateLogExport(it)
	if err != nil {
		h.logger.Error("Failed to export event log", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to export event log"))
		return
	}

	filename := fmt.Sprintf("edc_event_log_%s.xlsx", h.now().Format("20060102_150405"))
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func parseLogQuery(r *http.Request) (models.LogQuery, error) {
	var q models.LogQuery
	values := r.URL.Query()

	if id := strings.TrimSpace(values.Get("item_id")); id != "" {
		q.ItemID = &id
	}
	if since := strings.TrimSpace(values.Get("since")); since != "" {
		t, err := parseSince(since)
		if err != nil {
			return q, err
		}
		q.Since = &t
	}
	if kind := strings.TrimSpace(values.Get("kind")); kind != "" {
		k := models.LogKind(strings.ToLower(kind))
		if !k.Valid() {
			return q, fmt.Errorf("invalid kind: %s", kind)
		}
		q.Kind = &k
	}
	return q, nil
}

func parseSince(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		secs, perr := strconv.ParseInt(s, 10, 64)
		if perr != nil || secs < models.MinStorableTime.Unix() || secs > models.MaxStorableTime.Unix() {
			return time.Time{}, fmt.Errorf("invalid since: %s", s)
		}
		t = time.Unix(secs, 0).UTC()
	}
	if !models.Storable(t) {
		return time.Time{}, fmt.Errorf("since out of range: %s", s)
	}
	return t, nil
}
