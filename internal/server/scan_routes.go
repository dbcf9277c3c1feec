package server

import (
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/stackwatch/pulse/internal/checker"
	"github.com/stackwatch/pulse/internal/scan"
)

const defaultHistoryLimit = 20

func (s *Server) handleScanLatest(w http.ResponseWriter, r *http.Request) {
	run, err := s.cfg.Store.LatestScanRun(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load latest scan: "+err.Error())
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "no scan has run yet")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleScanHistory(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", defaultHistoryLimit)
	runs, err := s.cfg.Store.ScanHistory(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load scan history: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	})
}

// sseProgress forwards scan lifecycle notifications onto an open event
// stream. Every message carries a type discriminator so clients can
// demultiplex from the data payload alone.
type sseProgress struct {
	stream *sseStream
}

func (p *sseProgress) PhaseStart(name string) {
	p.emit("phase_start", map[string]interface{}{
		"type": "phase_start",
		"name": name,
	})
}

func (p *sseProgress) PhaseDone(report *checker.PhaseReport) {
	p.emit("phase_done", map[string]interface{}{
		"type":   "phase_done",
		"report": report,
	})
}

func (p *sseProgress) ScanComplete(run *scan.ScanRun) {
	p.emit("scan_complete", map[string]interface{}{
		"type": "scan_complete",
		"run":  run,
	})
}

func (p *sseProgress) emit(event string, v interface{}) {
	if err := p.stream.send(event, 0, v); err != nil {
		log.Printf("server: scan stream write failed: %v", err)
	}
}

// handleScanRun executes one full scan and streams its progress. The
// connection stays open for exactly one scan; the client reconnects to
// run another.
func (s *Server) handleScanRun(w http.ResponseWriter, r *http.Request) {
	stream, err := newSSEStream(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if loadErrs := s.cfg.Registry.LoadErrors(); len(loadErrs) > 0 {
		payload := make([]map[string]string, 0, len(loadErrs))
		for _, le := range loadErrs {
			payload = append(payload, map[string]string{
				"file":  le.File,
				"error": le.Err.Error(),
			})
		}
		stream.send("plugin_errors", 0, map[string]interface{}{
			"type":   "plugin_errors",
			"errors": payload,
		})
	}

	if _, err := s.cfg.Orchestrator.RunFull(r.Context(), &sseProgress{stream: stream}); err != nil {
		msg := "scan failed: " + err.Error()
		if errors.Is(err, scan.ErrScanInProgress) {
			msg = "a scan is already in progress"
		}
		stream.send("error", 0, map[string]interface{}{
			"type":  "error",
			"error": msg,
		})
	}
}

func (s *Server) handlePhase(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	report, err := s.cfg.Orchestrator.RunSingle(r.Context(), name)
	if err != nil {
		if errors.Is(err, checker.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleFix(w http.ResponseWriter, r *http.Request) {
	checkerName := r.PathValue("checker")
	checkName := r.PathValue("check")

	outcome, err := s.cfg.Orchestrator.ApplyFix(r.Context(), checkerName, checkName)
	if err != nil {
		if errors.Is(err, checker.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

// queryInt parses a positive integer query parameter, falling back to
// def when absent or malformed.
func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
