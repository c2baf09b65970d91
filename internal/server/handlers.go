package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/conneroisu/exthmr/internal/build"
	hmrerrors "github.com/conneroisu/exthmr/internal/errors"
	"github.com/conneroisu/exthmr/internal/types"
	"github.com/conneroisu/exthmr/internal/version"
	"github.com/conneroisu/exthmr/internal/websocket"
)

// Status is the session snapshot served by /api/status and rendered on the
// status page.
type Status struct {
	Version   string                 `json:"version"`
	Mode      types.Mode             `json:"mode"`
	Origin    string                 `json:"origin"`
	OutDir    string                 `json:"out_dir"`
	Uptime    string                 `json:"uptime"`
	Build     build.StateStats       `json:"build"`
	BuildLane string                 `json:"build_lane"`
	Change    string                 `json:"change_lane"`
	Error     *hmrerrors.ErrorRecord `json:"error,omitempty"`
	Entries   []EntryStatus          `json:"entries"`
	Hub       websocket.HubStats     `json:"hub"`
	Clients   []websocket.ClientInfo `json:"clients"`
	Launched  bool                   `json:"browser_launched"`
}

// EntryStatus describes one build entry.
type EntryStatus struct {
	Name   string     `json:"name"`
	Source string     `json:"source"`
	Role   types.Role `json:"role"`
}

// Status returns a snapshot of the session.
func (s *DevServer) Status() Status {
	state := s.orch.State()
	entries := s.orch.Entries()
	statuses := make([]EntryStatus, 0, len(entries))
	for _, e := range entries {
		statuses = append(statuses, EntryStatus{Name: e.Name, Source: e.SourcePath, Role: s.orch.RoleOf(e)})
	}

	var uptime time.Duration
	if !s.startedAt.IsZero() {
		uptime = time.Since(s.startedAt).Round(time.Second)
	}

	return Status{
		Version:   version.GetShortVersion(),
		Mode:      s.config.Mode(),
		Origin:    s.config.Origin(),
		OutDir:    s.writer.OutDir(),
		Uptime:    uptime.String(),
		Build:     state.Stats(),
		BuildLane: s.orch.BuildLane().State().String(),
		Change:    s.orch.ChangeLane().State().String(),
		Error:     state.Error(),
		Entries:   statuses,
		Hub:       s.hub.Stats(),
		Clients:   s.hub.Clients(),
		Launched:  s.launcher.Launched(),
	}
}

// handleHealth reports liveness
func (s *DevServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := "healthy"
	code := http.StatusOK
	if s.IsShutdown() {
		status = "shutting_down"
		code = http.StatusServiceUnavailable
	}

	health := map[string]interface{}{
		"status":     status,
		"timestamp":  time.Now().UTC(),
		"version":    version.GetShortVersion(),
		"build_info": version.GetBuildInfo(),
		"checks": map[string]interface{}{
			"build":     map[string]interface{}{"status": buildCheck(s.orch.State().Error())},
			"websocket": map[string]interface{}{"clients": s.hub.ClientCount()},
		},
	}
	s.writeJSON(w, r, code, health)
}

func buildCheck(record *hmrerrors.ErrorRecord) string {
	if record != nil {
		return "error"
	}
	return "healthy"
}

// handleStatus returns the session snapshot as JSON
func (s *DevServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, r, http.StatusOK, s.Status())
}

// handleIndex renders the status page
func (s *DevServer) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := StatusPage(s.Status()).Render(r.Context(), w); err != nil {
		s.logger.Error(r.Context(), err, "Failed to render status page")
	}
}

func (s *DevServer) writeJSON(w http.ResponseWriter, r *http.Request, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error(r.Context(), err, "Failed to encode response", "path", r.URL.Path)
	}
}
