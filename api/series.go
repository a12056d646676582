package api

import (
	"net/http"
	"strconv"

	"canscope/series"
)

func (s *Server) seriesKeys(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	keys := s.store.Keys()
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if sessionID == "" || k.Session == sessionID {
			out = append(out, k.String())
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"keys": out, "count": len(out)})
}

func seriesKey(w http.ResponseWriter, r *http.Request, param string) (series.Key, bool) {
	raw := r.URL.Query().Get(param)
	if raw == "" {
		badRequest(w, param+" required")
		return series.Key{}, false
	}
	k, err := series.ParseKey(raw)
	if err != nil {
		badRequest(w, err.Error())
		return series.Key{}, false
	}
	return k, true
}

func (s *Server) seriesData(w http.ResponseWriter, r *http.Request) {
	k, ok := seriesKey(w, r, "key")
	if !ok {
		return
	}
	ts, vs := s.store.Get(k)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"key":    k.String(),
		"times":  ts,
		"values": vs,
	})
}

// seriesValue reads one signal at time t (seconds since connect), the
// cursor readout of a plot.
func (s *Server) seriesValue(w http.ResponseWriter, r *http.Request) {
	k, ok := seriesKey(w, r, "key")
	if !ok {
		return
	}
	t, err := strconv.ParseFloat(r.URL.Query().Get("t"), 64)
	if err != nil {
		badRequest(w, "t must be a number of seconds")
		return
	}
	v, ok := s.store.ValueAt(k, t)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "no samples for " + k.String()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"key": k.String(), "t": t, "value": v})
}

func (s *Server) seriesDifference(w http.ResponseWriter, r *http.Request) {
	a, ok := seriesKey(w, r, "a")
	if !ok {
		return
	}
	b, ok := seriesKey(w, r, "b")
	if !ok {
		return
	}
	ts, vs := s.store.Difference(a, b)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"a":      a.String(),
		"b":      b.String(),
		"times":  ts,
		"values": vs,
	})
}
