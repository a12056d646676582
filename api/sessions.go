package api

import (
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"canscope/bus"
	"canscope/candb"
	"canscope/session"
)

// ── Sessions ──────────────────────────────────────────────────────────────

func (s *Server) drivers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"drivers": bus.Drivers()})
}

func (s *Server) listSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := s.mgr.Sessions()
	infos := make([]session.Info, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, sess.Info())
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": infos,
		"count":    len(infos),
	})
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id, err := s.mgr.Create(req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if id == session.NoSession {
		writeJSON(w, http.StatusConflict, errorBody{Error: fmt.Sprintf("session name %q already in use", req.Name)})
		return
	}
	sess, err := s.mgr.Get(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess.Info())
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.Info())
}

func (s *Server) removeSession(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.Remove(r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) connect(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if err := sess.Connect(); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Info())
}

func (s *Server) disconnect(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	sess.Disconnect()
	writeJSON(w, http.StatusOK, sess.Info())
}

// ── Databases and filters ─────────────────────────────────────────────────

type addDatabaseRequest struct {
	Path   string `json:"path"`
	Strict bool   `json:"strict"`
}

func (s *Server) addDatabase(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req addDatabaseRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Path) == "" {
		badRequest(w, "path required")
		return
	}
	add := sess.AddDatabase
	if req.Strict {
		add = sess.AddDatabaseStrict
	}
	key, err := add(req.Path)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"key":        key,
		"collisions": collisionList(sess.Registry().Collisions()),
	})
}

type collisionView struct {
	FrameID uint32   `json:"frame_id"`
	Keys    []string `json:"keys"`
}

func collisionList(m map[uint32][]string) []collisionView {
	out := make([]collisionView, 0, len(m))
	for id, keys := range m {
		out = append(out, collisionView{FrameID: id, Keys: keys})
	}
	return out
}

type signalView struct {
	Name      string            `json:"name"`
	StartBit  int               `json:"start_bit"`
	BitLength int               `json:"bit_length"`
	BigEndian bool              `json:"big_endian"`
	Signed    bool              `json:"signed"`
	Factor    float64           `json:"factor"`
	Offset    float64           `json:"offset"`
	Min       float64           `json:"min"`
	Max       float64           `json:"max"`
	Unit      string            `json:"unit,omitempty"`
	Comment   string            `json:"comment,omitempty"`
	Choices   map[string]string `json:"choices,omitempty"`
	Mux       string            `json:"mux,omitempty"`
}

type frameView struct {
	ID       uint32       `json:"id"`
	Extended bool         `json:"extended"`
	Name     string       `json:"name"`
	DLC      int          `json:"dlc"`
	Sender   string       `json:"sender,omitempty"`
	CycleMS  int          `json:"cycle_ms,omitempty"`
	Comment  string       `json:"comment,omitempty"`
	Owned    bool         `json:"owned"`
	Signals  []signalView `json:"signals"`
}

func newSignalView(sd candb.SignalDef) signalView {
	v := signalView{
		Name:      sd.Name,
		StartBit:  sd.StartBit,
		BitLength: sd.BitLength,
		BigEndian: sd.BigEndian,
		Signed:    sd.Signed,
		Factor:    sd.Factor,
		Offset:    sd.Offset,
		Min:       sd.Min,
		Max:       sd.Max,
		Unit:      sd.Unit,
		Comment:   sd.Comment,
	}
	if len(sd.Choices) > 0 {
		v.Choices = make(map[string]string, len(sd.Choices))
		for raw, label := range sd.Choices {
			v.Choices[strconv.FormatInt(raw, 10)] = label
		}
	}
	switch sd.Mux {
	case candb.MuxSwitch:
		v.Mux = "M"
	case candb.MuxMember:
		v.Mux = "m" + strconv.FormatUint(sd.MuxValue, 10)
	}
	return v
}

func (s *Server) getDatabase(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	key := r.PathValue("key")
	db, ok := sess.Registry().Get(key)
	if !ok {
		s.writeError(w, fmt.Errorf("%w: %s", candb.ErrKeyNotFound, key))
		return
	}
	frames := make([]frameView, 0, len(db.ByID))
	for _, fd := range db.Frames() {
		owner, _ := sess.Registry().LookupOwner(fd.ID)
		fv := frameView{
			ID:       fd.ID,
			Extended: fd.Extended,
			Name:     fd.Name,
			DLC:      fd.DLC,
			Sender:   fd.Sender,
			CycleMS:  fd.CycleMS,
			Comment:  fd.Comment,
			Owned:    owner == key,
			Signals:  make([]signalView, 0, len(fd.Signals)),
		}
		for _, sd := range fd.Signals {
			fv.Signals = append(fv.Signals, newSignalView(sd))
		}
		frames = append(frames, fv)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"key":    key,
		"path":   db.Path,
		"nodes":  db.Nodes,
		"frames": frames,
	})
}

func (s *Server) removeDatabase(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if err := sess.RemoveDatabase(r.PathValue("key")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decode shows the raw, physical and label value of every signal of one
// payload, for trace inspection.
func (s *Server) decode(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	id, err := parseFrameID(r.URL.Query().Get("frame_id"))
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	data, err := parseHexData(r.URL.Query().Get("data"))
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	vals, err := sess.Registry().DecodeDetailed(id, r.PathValue("key"), data)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"frame_id": id,
		"message":  sess.Registry().MessageName(r.PathValue("key"), id),
		"signals":  vals,
	})
}

type filterRequest struct {
	Enabled        bool     `json:"enabled"`
	Mode           string   `json:"mode"`
	IDs            []uint32 `json:"ids"`
	AffectsLogging bool     `json:"affects_logging"`
}

func (s *Server) configureFilter(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req filterRequest
	if !decodeBody(w, r, &req) {
		return
	}
	key := r.PathValue("key")
	if err := sess.ConfigureFilter(key, req.Enabled, req.Mode, req.IDs, req.AffectsLogging); err != nil {
		s.writeError(w, err)
		return
	}
	snap, _ := sess.FilterSnapshot(key)
	writeJSON(w, http.StatusOK, snap)
}

// ── Trace ─────────────────────────────────────────────────────────────────

func (s *Server) trace(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	since, err := querySince(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	recs := sess.Trace().GetSince(since)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"records":  recs,
		"count":    len(recs),
		"last_seq": sess.Trace().LastSeq(),
	})
}

// ── Transmit ──────────────────────────────────────────────────────────────

// frameRequest is a raw frame. Data is hex, spaces allowed.
type frameRequest struct {
	ID       uint32 `json:"id"`
	Extended bool   `json:"extended"`
	FD       bool   `json:"fd"`
	BRS      bool   `json:"brs"`
	Data     string `json:"data"`
}

func (fr frameRequest) frame() (bus.Frame, error) {
	data, err := parseHexData(fr.Data)
	if err != nil {
		return bus.Frame{}, err
	}
	return bus.Frame{
		ID:       fr.ID,
		Extended: fr.Extended,
		FD:       fr.FD || len(data) > bus.MaxClassicLen,
		BRS:      fr.BRS,
		Data:     data,
	}, nil
}

type encodedRequest struct {
	Database string             `json:"database"`
	Message  string             `json:"message"`
	Values   map[string]float64 `json:"values"`
}

func (s *Server) sendRaw(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req frameRequest
	if !decodeBody(w, r, &req) {
		return
	}
	f, err := req.frame()
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	if err := sess.SendRaw(f); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"status": "queued"})
}

func (s *Server) sendEncoded(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req encodedRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := sess.SendEncoded(req.Database, req.Message, req.Values); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"status": "queued"})
}

func (s *Server) listPeriodic(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	jobs := sess.Jobs()
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs, "count": len(jobs)})
}

// periodicRequest starts a job from either Frame or an encoded message.
type periodicRequest struct {
	JobID    string        `json:"job_id"`
	PeriodMS int           `json:"period_ms"`
	Frame    *frameRequest `json:"frame,omitempty"`
	encodedRequest
}

func (s *Server) startPeriodic(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req periodicRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.JobID == "" || req.PeriodMS <= 0 {
		badRequest(w, "job_id and a positive period_ms required")
		return
	}

	var err error
	switch {
	case req.Frame != nil:
		var f bus.Frame
		if f, err = req.Frame.frame(); err != nil {
			badRequest(w, err.Error())
			return
		}
		err = sess.StartPeriodic(req.JobID, f, req.PeriodMS)
	case req.Message != "":
		err = sess.StartPeriodicEncoded(req.JobID, req.Database, req.Message, req.Values, req.PeriodMS)
	default:
		badRequest(w, "frame or message required")
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"job_id": req.JobID, "status": "queued"})
}

func (s *Server) stopPeriodic(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if err := sess.StopPeriodic(r.PathValue("job")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) stopAllPeriodic(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if err := sess.StopAllPeriodic(); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Frame log ─────────────────────────────────────────────────────────────

func (s *Server) logStatus(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.LogStatus())
}

type startLogRequest struct {
	Path string `json:"path"`
}

func (s *Server) startLog(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req startLogRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := sess.StartLogging(req.Path); err != nil {
		s.writeError(w, err)
		return
	}
	s.log.Info("frame log started", zap.String("session", sess.ID()), zap.String("path", req.Path))
	writeJSON(w, http.StatusOK, sess.LogStatus())
}

func (s *Server) stopLog(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	sess.StopLogging()
	writeJSON(w, http.StatusOK, sess.LogStatus())
}

func (s *Server) logTail(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	n, err := queryInt(r, "n", 100, 1, 5000)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	lines := sess.LogTail(n)
	writeJSON(w, http.StatusOK, map[string]interface{}{"lines": lines, "count": len(lines)})
}

// ── parsing ───────────────────────────────────────────────────────────────

func querySince(r *http.Request) (uint64, error) {
	v := r.URL.Query().Get("since")
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("since must be a sequence number")
	}
	return n, nil
}

// parseFrameID accepts decimal or 0x-prefixed hex.
func parseFrameID(s string) (uint32, error) {
	if s == "" {
		return 0, fmt.Errorf("frame_id required")
	}
	n, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid frame_id %q", s)
	}
	return uint32(n), nil
}

func parseHexData(s string) ([]byte, error) {
	data, err := hex.DecodeString(strings.ReplaceAll(strings.TrimSpace(s), " ", ""))
	if err != nil {
		return nil, fmt.Errorf("invalid hex data %q", s)
	}
	return data, nil
}
