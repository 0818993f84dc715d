package web

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"trionyx/pkg/permissions"
	"trionyx/pkg/widgets"
)

const (
	searchLimit      = 20
	maxSearchLimit   = 100
	firstChoicesPage = 1
)

type dashboardView struct {
	Widgets   []*widgets.Widget
	Instances []widgets.Instance
}

func (s *Server) handleDashboardPage(w http.ResponseWriter, r *http.Request) {
	instances, err := s.dashboards.Load(r.Context(), userOf(r))
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	s.renderPage(w, r, http.StatusOK, "Dashboard", "dashboard_page", dashboardView{
		Widgets:   s.deps.Site.Widgets.All(),
		Instances: instances,
	})
}

func (s *Server) handleDashboardLoad(w http.ResponseWriter, r *http.Request) {
	instances, err := s.dashboards.Load(r.Context(), userOf(r))
	if err != nil {
		failJSON(w, r, err)
		return
	}
	if instances == nil {
		instances = []widgets.Instance{}
	}
	respondSuccess(w, instances)
}

// handleDashboardSave replaces the dashboard with the posted instances.
func (s *Server) handleDashboardSave(w http.ResponseWriter, r *http.Request) {
	var instances []widgets.Instance
	if err := decodeJSON(r, &instances); err != nil {
		respondJSON(w, http.StatusBadRequest, asyncResponse{Status: statusFail, Message: err.Error()})
		return
	}
	saved, err := s.dashboards.Save(r.Context(), userOf(r), instances)
	if err != nil {
		failJSON(w, r, err)
		return
	}
	respondSuccess(w, saved)
}

func (s *Server) handleDashboardWidgets(w http.ResponseWriter, r *http.Request) {
	respondSuccess(w, s.deps.Site.Widgets.All())
}

func (s *Server) handleDashboardData(w http.ResponseWriter, r *http.Request) {
	data, err := s.dashboards.Data(r.Context(), userOf(r), chi.URLParam(r, "id"))
	if err != nil {
		failJSON(w, r, err)
		return
	}
	respondSuccess(w, data)
}

// handleGlobalSearch searches every entity with global search enabled and
// drops hits on entities the user may not view.
func (s *Server) handleGlobalSearch(w http.ResponseWriter, r *http.Request) {
	limit := searchLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondJSON(w, http.StatusBadRequest, asyncResponse{Status: statusFail, Message: "invalid limit"})
			return
		}
		limit = min(n, maxSearchLimit)
	}
	results, err := s.deps.Search.Global(r.Context(), s.db, r.URL.Query().Get("q"), limit)
	if err != nil {
		failJSON(w, r, err)
		return
	}

	allowed := make(map[string]bool)
	out := results[:0]
	for _, res := range results {
		ok, seen := allowed[res.ContentType]
		if !seen {
			cfg, err := s.deps.Site.Models.Get(res.ContentType)
			ok = err == nil && !cfg.DisableGlobalSearch && s.perms.CanMass(r.Context(), permissions.View, cfg, userOf(r))
			allowed[res.ContentType] = ok
		}
		if ok {
			out = append(out, res)
		}
	}
	respondSuccess(w, out)
}

// handleAjaxChoices serves the options of an ajax select field. Pages
// start at 1.
func (s *Server) handleAjaxChoices(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	cfg, _, err := s.deps.Site.Forms.AjaxSource(token)
	if err != nil {
		failJSON(w, r, err)
		return
	}
	if !s.perms.CanMass(r.Context(), permissions.View, cfg, userOf(r)) {
		failJSON(w, r, permissions.ErrDenied)
		return
	}
	page := firstChoicesPage
	if raw := r.URL.Query().Get("page"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			page = n
		}
	}
	options, more, err := s.deps.Site.Forms.AjaxChoices(r.Context(), s.db, token, r.URL.Query().Get("q"), page)
	if err != nil {
		failJSON(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status": statusSuccess,
		"data":   options,
		"more":   more,
	})
}
