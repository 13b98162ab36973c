package serve

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gftdcojp/streamlog/internal/config"
	"github.com/gftdcojp/streamlog/internal/index"
	"github.com/gftdcojp/streamlog/internal/meta"
	"github.com/gftdcojp/streamlog/internal/streamlog"
	"github.com/gftdcojp/streamlog/internal/types"
	"go.uber.org/zap"
)

const maxRangeCount = 1000

type handler struct {
	m      *streamlog.Manager
	logger *zap.Logger
}

func newHandler(m *streamlog.Manager, logger *zap.Logger) *handler {
	return &handler{m: m, logger: logger}
}

func (h *handler) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/status", h.handleStatus)
	mux.HandleFunc("GET /v1/streams", h.handleStreams)
	mux.HandleFunc("GET /v1/streams/{repo}/{stream}", h.handleStreamInfo)
	mux.HandleFunc("GET /v1/blocks/{repo}/{stream}", h.handleListBlocks)
	mux.HandleFunc("GET /v1/records/{repo}/{stream}/{version}", h.handleGetRecord)
	mux.HandleFunc("GET /v1/records/{repo}/{stream}", h.handleGetRecords)
	mux.HandleFunc("POST /v1/admin/pack/{repo}/{stream}", h.handlePack)
	mux.HandleFunc("POST /v1/admin/complete/{repo}/{stream}", h.handleComplete)
	mux.HandleFunc("GET /v1/processes", h.handleProcesses)
	return mux
}

// RunHTTP starts the HTTP API server.
func RunHTTP(ctx context.Context, cfg config.APIConfig, m *streamlog.Manager, logger *zap.Logger) error {
	h := newHandler(m, logger)
	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: h.routes(),
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("HTTP API listening", zap.String("addr", cfg.Listen))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	pc := h.m.Process()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":               "ok",
		"wpid":                 pc.Wpid.String(),
		"streams":              len(h.m.Streams()),
		"notification_version": h.m.Notifications().LastVersion(),
		"pool":                 h.m.Region().Pool().Stats(),
	})
}

func (h *handler) handleStreams(w http.ResponseWriter, r *http.Request) {
	streams := h.m.Streams()
	result := make([]streamlog.Info, 0, len(streams))
	for _, s := range streams {
		info, err := s.Info(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		result = append(result, info)
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handler) handleStreamInfo(w http.ResponseWriter, r *http.Request) {
	s, ok := h.stream(w, r)
	if !ok {
		return
	}
	info, err := s.Info(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *handler) handleListBlocks(w http.ResponseWriter, r *http.Request) {
	id, ok := streamID(w, r)
	if !ok {
		return
	}
	recs, err := h.m.Index().Records(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	resident := make([]map[string]interface{}, 0, len(recs))
	for _, rec := range recs {
		entry := map[string]interface{}{
			"version":   rec.Version,
			"timestamp": rec.Timestamp,
			"page":      rec.BufferRef.String(),
			"lingering": rec.BufferRef.IsLingering(),
			"packed":    rec.IsPacked(),
		}
		switch {
		case rec.IsStandby():
			entry["sentinel"] = "standby"
		case rec.IsCompleted():
			entry["sentinel"] = "completed"
		}
		resident = append(resident, entry)
	}

	entries, err := h.m.Store().ListPacked(r.Context(), id, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	packed := make([]map[string]interface{}, 0, len(entries))
	for _, e := range entries {
		tierNames := make([]string, 0, len(e.EffectiveTiers()))
		for _, t := range e.EffectiveTiers() {
			tierNames = append(tierNames, t.String())
		}
		packed = append(packed, map[string]interface{}{
			"first_version": e.FirstVersion,
			"last_version":  e.LastVersion,
			"count":         e.Count,
			"size_bytes":    e.SizeBytes,
			"checksum":      e.Checksum,
			"prev_checksum": e.PrevChecksum,
			"tier":          e.CurrentTier.String(),
			"tiers":         tierNames,
			"packed_at":     e.PackedAt,
			"age":           time.Since(e.PackedAt).String(),
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"stream": id.String(),
		"index":  resident,
		"packed": packed,
	})
}

func (h *handler) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	s, ok := h.stream(w, r)
	if !ok {
		return
	}
	version, err := strconv.ParseUint(r.PathValue("version"), 10, 64)
	if err != nil || version == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid version"})
		return
	}
	data, err := s.Get(r.Context(), version)
	if err != nil {
		if errors.Is(err, streamlog.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, recordJSON(s.ID(), version, data))
}

func (h *handler) handleGetRecords(w http.ResponseWriter, r *http.Request) {
	s, ok := h.stream(w, r)
	if !ok {
		return
	}
	start, _ := strconv.ParseUint(r.URL.Query().Get("start"), 10, 64)
	count, _ := strconv.Atoi(r.URL.Query().Get("count"))
	if count <= 0 {
		count = 100
	}
	count = min(count, maxRangeCount)

	c := s.NewCursor(r.Context())
	defer c.Close()
	result := make([]map[string]interface{}, 0, count)
	ok, err := c.MoveAt(max(start, 1), meta.LookupGE)
	for ; ok && err == nil && len(result) < count; ok, err = c.MoveNext() {
		v, data := c.Current()
		// The cursor's view is only valid until it moves.
		result = append(result, recordJSON(s.ID(), v, append([]byte(nil), data...)))
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handler) handlePack(w http.ResponseWriter, r *http.Request) {
	s, ok := h.stream(w, r)
	if !ok {
		return
	}
	if err := h.m.Packer().RunNow(r.Context(), s.ID()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	st := s.State()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":                "packed",
		"last_packed_version":   st.LastPackedVersion(),
		"last_released_version": st.LastReleasedVersion(),
	})
}

func (h *handler) handleComplete(w http.ResponseWriter, r *http.Request) {
	s, ok := h.stream(w, r)
	if !ok {
		return
	}
	if err := s.CompleteStream(r.Context()); err != nil && !errors.Is(err, index.ErrStreamCompleted) {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

func (h *handler) handleProcesses(w http.ResponseWriter, r *http.Request) {
	procs, err := h.m.Registry().List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	self := h.m.Process().Wpid
	result := make([]map[string]interface{}, 0, len(procs))
	for _, p := range procs {
		result = append(result, map[string]interface{}{
			"wpid":       p.Wpid.String(),
			"pid":        p.Pid,
			"host":       p.Host,
			"version":    p.Version,
			"started_at": p.StartedAt,
			"heartbeat":  p.Heartbeat,
			"self":       p.Wpid == self,
		})
	}
	writeJSON(w, http.StatusOK, result)
}

// stream resolves the open stream named by the request path, writing the
// error response itself when there is none.
func (h *handler) stream(w http.ResponseWriter, r *http.Request) (*streamlog.StreamLog, bool) {
	id, ok := streamID(w, r)
	if !ok {
		return nil, false
	}
	s, ok := h.m.Stream(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "stream not found"})
		return nil, false
	}
	return s, true
}

func streamID(w http.ResponseWriter, r *http.Request) (types.StreamLogID, bool) {
	id, err := types.ParseStreamLogID(r.PathValue("repo") + "/" + r.PathValue("stream"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid stream id"})
		return 0, false
	}
	return id, true
}

func recordJSON(id types.StreamLogID, version uint64, data []byte) map[string]interface{} {
	return map[string]interface{}{
		"stream":  id.String(),
		"version": version,
		"data":    data,
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
