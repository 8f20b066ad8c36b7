package runtime

import (
	"net/http"
	"strings"

	"github.com/zutils/protocols/internal/runtime/jsoncodec"
)

// ModuleView is one entry of the /api/modules listing.
type ModuleView struct {
	Schema          string       `json:"schema"`
	DisplayName     string       `json:"display_name"`
	ProtocolVersion string       `json:"protocol_version"`
	Depth           int          `json:"depth"`
	Kind            string       `json:"kind"`
	Path            string       `json:"path,omitempty"`
	Stats           *ModuleStats `json:"stats,omitempty"`
}

// ModulesResponse is the body of /api/modules.
type ModulesResponse struct {
	Modules  []ModuleView  `json:"modules"`
	Resource ResourceUsage `json:"resource"`
}

// StartWebUIServer registers the introspection endpoints when enabled. The
// server itself is started by Start.
func (s *Service) StartWebUIServer() {
	if !s.Conf.WebUIEnabled {
		return
	}

	port := s.Conf.WebUIPort
	if port == 0 {
		port = 8081
	}

	s.RegisterHTTPHandler(port, "/api/modules", http.HandlerFunc(s.handleGetModules))
	s.RegisterHTTPHandler(port, "/api/cascade", http.HandlerFunc(s.handleGetCascade))
}

// ModuleViews lists every registered schema with its invocation stats.
func (s *Service) ModuleViews() []ModuleView {
	regs := s.root.Modules()
	views := make([]ModuleView, 0, len(regs))
	for _, reg := range regs {
		view := ModuleView{
			Schema:          string(reg.Info.Schema),
			DisplayName:     reg.Info.DisplayName,
			ProtocolVersion: reg.Info.ProtocolVersion,
			Depth:           reg.Depth,
			Kind:            "local",
		}
		if k, ok := reg.Handle.(interface{ Kind() string }); ok {
			view.Kind = k.Kind()
		}
		if p, ok := reg.Handle.(interface{ Path() string }); ok {
			view.Path = p.Path()
		}
		if stats, ok := s.stats.lookup(reg.Info.Schema); ok {
			view.Stats = stats
		}
		views = append(views, view)
	}
	return views
}

func (s *Service) handleGetModules(w http.ResponseWriter, r *http.Request) {
	if s.writeCORS(w, r) {
		return
	}
	s.writeJSON(w, ModulesResponse{
		Modules:  s.ModuleViews(),
		Resource: s.getResourceTracker().Snapshot(),
	})
}

func (s *Service) handleGetCascade(w http.ResponseWriter, r *http.Request) {
	if s.writeCORS(w, r) {
		return
	}
	s.writeJSON(w, s.cascade.Stats())
}

func (s *Service) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := jsoncodec.Encode(w, v); err != nil {
		s.Logger.Error("Failed to encode response", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// writeCORS sets the CORS headers and reports whether the request was a
// preflight that has been answered.
func (s *Service) writeCORS(w http.ResponseWriter, r *http.Request) bool {
	if s.Conf != nil && len(s.Conf.WebUICORSAllowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		allowedOrigin := s.getAllowedCORSOrigin(origin)
		if allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
	}

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return true
	}
	return false
}

// getAllowedCORSOrigin checks if the request origin is allowed and returns the appropriate
// Access-Control-Allow-Origin value.
func (s *Service) getAllowedCORSOrigin(requestOrigin string) string {
	if s.Conf == nil {
		return ""
	}
	for _, allowed := range s.Conf.WebUICORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
