package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/stackwatch/pulse/internal/agent"
	"github.com/stackwatch/pulse/internal/events"
	"github.com/stackwatch/pulse/internal/notify"
	"github.com/stackwatch/pulse/internal/scan"
)

const (
	defaultEventPageLimit = 50
	heartbeatSource       = "server"
)

// handleAgentEvents streams live bus events over SSE. A reconnecting
// client presents its Last-Event-ID (header or last_event_id query
// parameter) and receives the replayable backlog before live delivery;
// a client too far behind gets a single _gap event first.
func (s *Server) handleAgentEvents(w http.ResponseWriter, r *http.Request) {
	stream, err := newSSEStream(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	sub := s.cfg.Bus.Subscribe(lastSeenID(r))
	defer s.cfg.Bus.Unsubscribe(sub)

	for _, ev := range sub.Backlog {
		if ev.Type == events.EventTypeGap && s.cfg.Notifier != nil {
			dropped, _ := ev.Payload["dropped_count"].(int)
			s.cfg.Notifier.Raise(notify.KindStreamGap,
				fmt.Sprintf("event stream gap: %d events dropped beyond the replay window", dropped),
				ev.Payload)
		}
		if err := stream.send(string(ev.Type), ev.ID, ev); err != nil {
			return
		}
	}

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sub.Kicked:
			// The bus dropped this subscriber for falling behind.
			// Closing the stream makes the client reconnect with its
			// last-seen id and pick up through the replay window.
			return
		case <-heartbeat.C:
			ev := events.NewHeartbeatEvent(heartbeatSource)
			if err := stream.send(string(ev.Type), 0, ev); err != nil {
				return
			}
		case ev := <-sub.C:
			heartbeat.Reset(s.heartbeat)
			if err := stream.send(string(ev.Type), ev.ID, ev); err != nil {
				return
			}
		}
	}
}

// lastSeenID extracts the client's replay cursor. The standard
// Last-Event-ID header wins; the query parameter exists for clients
// (curl, EventSource polyfills) that cannot set headers.
func lastSeenID(r *http.Request) int64 {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("last_event_id")
	}
	if raw == "" {
		return 0
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		return 0
	}
	return id
}

func (s *Server) handleAgentHistory(w http.ResponseWriter, r *http.Request) {
	filter := events.EventFilter{
		SinceID: queryInt64(r, "since_id"),
		Limit:   queryInt(r, "limit", defaultEventPageLimit),
	}
	if raw := r.URL.Query().Get("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				filter.Types = append(filter.Types, events.EventType(t))
			}
		}
	}

	evs, err := s.cfg.Store.Events(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load event history: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": evs,
		"count":  len(evs),
	})
}

func (s *Server) handleAgentInsights(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", defaultHistoryLimit)
	insights, err := s.cfg.Store.RecentInsights(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load insights: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"insights": insights,
		"count":    len(insights),
	})
}

func (s *Server) handleAgentAnalyses(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", defaultHistoryLimit)
	analyses, err := s.cfg.Store.RecentLLMAnalyses(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load analyses: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"analyses": analyses,
		"count":    len(analyses),
	})
}

func (s *Server) handleAgentStart(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Agent == nil {
		writeError(w, http.StatusServiceUnavailable, "agent not configured")
		return
	}
	if err := s.cfg.Agent.Start(); err != nil {
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"success": false,
			"error":   err.Error(),
			"state":   string(s.cfg.Agent.State()),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"state":   string(s.cfg.Agent.State()),
	})
}

func (s *Server) handleAgentStop(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Agent == nil {
		writeError(w, http.StatusServiceUnavailable, "agent not configured")
		return
	}
	if err := s.cfg.Agent.Stop(); err != nil {
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"success": false,
			"error":   err.Error(),
			"state":   string(s.cfg.Agent.State()),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"state":   string(s.cfg.Agent.State()),
	})
}

// handleAgentScan requests an out-of-band full scan. When the agent loop
// is running the request goes through its queue so the scan shows up in
// the state machine; otherwise the server runs the scan itself.
func (s *Server) handleAgentScan(w http.ResponseWriter, r *http.Request) {
	res := s.scanLimiter.Reserve()
	if d := res.Delay(); d > 0 {
		// Reserve consumed a slot for a request we refuse; hand it back
		// so the wait does not grow with each rejected attempt.
		res.Cancel()
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.Seconds()))))
		writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"success":      false,
			"rate_limited": true,
			"retry_after":  d.Seconds(),
		})
		return
	}

	if s.cfg.Agent != nil && s.agentRunning() {
		if err := s.cfg.Agent.RequestScan("api"); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"success": true,
			"queued":  true,
		})
		return
	}

	s.cfg.Bus.Publish(events.NewEvent(
		events.EventTypeScanRequested,
		"api",
		events.SeverityInfo,
		"scan requested: manual scan from api",
		map[string]interface{}{
			"trigger": "api",
			"full":    true,
			"reason":  "manual scan from api",
		},
	))
	go func() {
		if _, err := s.cfg.Orchestrator.RunFull(context.Background(), nil); err != nil && !errors.Is(err, scan.ErrScanInProgress) {
			log.Printf("server: manual scan failed: %v", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"success": true,
		"queued":  false,
	})
}

func (s *Server) agentRunning() bool {
	state := s.cfg.Agent.State()
	return state != agent.StateIdle && state != agent.StateDisabled
}

func (s *Server) handleAgentCost(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Guard == nil {
		writeError(w, http.StatusServiceUnavailable, "cost tracking not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Guard.State())
}

func (s *Server) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	stats := s.cfg.Bus.GetStats()
	status := map[string]interface{}{
		"bus": map[string]interface{}{
			"last_id":      stats.LastID,
			"window_floor": stats.WindowFloor,
			"window_len":   stats.WindowLen,
			"subscribers":  stats.Subscribers,
			"kicked":       stats.Kicked,
		},
	}

	if s.cfg.Agent != nil {
		status["state"] = string(s.cfg.Agent.State())
		status["watcher_alive"] = s.cfg.Agent.WatcherAlive()
	} else {
		status["state"] = string(agent.StateDisabled)
		status["watcher_alive"] = false
	}

	advisories := []notify.Advisory{}
	if s.cfg.Notifier != nil {
		advisories = s.cfg.Notifier.Active()
	}
	status["advisories"] = advisories

	writeJSON(w, http.StatusOK, status)
}

func queryInt64(r *http.Request, key string) int64 {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
