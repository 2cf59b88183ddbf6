package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/example/trust-ledger/internal/ledger"
	"github.com/example/trust-ledger/internal/security"
)

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	cid := security.CorrelationIDFromContext(r.Context())
	if cid != "" {
		w.Header().Set(security.CorrelationIDHeader, cid)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON reads a body the schema middleware already accepted. It still
// fails on values the schema cannot express, such as malformed dates.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		security.WriteJSONErrorDetail(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return false
	}
	return true
}

func parsePage(r *http.Request) (ledger.Page, error) {
	var p ledger.Page
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			return p, err
		}
		p.Limit = i
	}
	if v := q.Get("offset"); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			return p, err
		}
		p.Offset = i
	}
	return p, nil
}

// parseAsOf reads the optional as_of query parameter, either RFC 3339 or a
// calendar date meaning the end of that day in UTC.
func parseAsOf(r *http.Request) ([]ledger.AsOf, error) {
	v := r.URL.Query().Get("as_of")
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return []ledger.AsOf{ledger.AsOf(t)}, nil
	}
	d, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return nil, err
	}
	return []ledger.AsOf{ledger.AsOf(d.Add(24*time.Hour - time.Nanosecond))}, nil
}
