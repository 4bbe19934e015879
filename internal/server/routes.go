package server

import (
	"net/http"
	"strings"
)

const requirementsPrefix = "/api/requirements/"

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket route
	mux.HandleFunc("/ws", s.app.WSHandler.HandleWebSocket)

	// API routes - system
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)

	// API routes - requirements and their analysis
	mux.HandleFunc("/api/requirements", s.handleRequirementsRoute) // GET (list), POST (create)
	mux.HandleFunc(requirementsPrefix, s.handleRequirementRoutes)  // /{id}, /{id}/analysis, /{id}/progress, /{id}/report

	mux.HandleFunc("/", s.app.APIHandler.NotFoundHandler)

	return mux
}

// handleRequirementsRoute routes GET (list) and POST (create)
func (s *Server) handleRequirementsRoute(w http.ResponseWriter, r *http.Request) {
	RouteResourceCollection(w, r, s.app.RequirementHandler.ListHandler, s.app.RequirementHandler.CreateHandler)
}

// handleRequirementRoutes splits /api/requirements/{id}[/{action}] and exposes
// the id to handlers through r.PathValue("id")
func (s *Server) handleRequirementRoutes(w http.ResponseWriter, r *http.Request) {
	id, action, ok := splitResourcePath(r.URL.Path, requirementsPrefix)
	if !ok {
		s.app.APIHandler.NotFoundHandler(w, r)
		return
	}
	r.SetPathValue("id", id)

	switch action {
	case "":
		s.app.RequirementHandler.GetHandler(w, r)
	case "analysis":
		s.app.WorkflowHandler.StartAnalysisHandler(w, r)
	case "progress":
		s.app.WorkflowHandler.ProgressHandler(w, r)
	case "report":
		s.app.ReportHandler.ReportHandler(w, r)
	default:
		s.app.APIHandler.NotFoundHandler(w, r)
	}
}

// splitResourcePath returns the id and optional single action segment after prefix
func splitResourcePath(path, prefix string) (id, action string, ok bool) {
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if rest == "" {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	switch len(parts) {
	case 1:
		return parts[0], "", true
	case 2:
		return parts[0], parts[1], true
	}
	return "", "", false
}
