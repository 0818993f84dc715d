package web

import (
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"gorm.io/gorm"

	"trionyx/pkg/audit"
	"trionyx/pkg/core"
	"trionyx/pkg/models"
	"trionyx/pkg/permissions"
)

const (
	recordsPerPage = 25
	secretMask     = "********"
)

type recordsTable struct {
	ID      string
	Headers []string
	Rows    [][]string
	Empty   string
}

type recordsView struct {
	Table     recordsTable
	PageLinks []int
	Page      int
	Query     string
}

// requirePerm guards the system pages, which are not backed by a
// registered entity.
func (s *Server) requirePerm(w http.ResponseWriter, r *http.Request, codename string) bool {
	if s.perms.Has(r.Context(), userOf(r), codename) {
		return true
	}
	s.renderError(w, r, fmt.Errorf("%w: %s", permissions.ErrDenied, codename))
	return false
}

// paginate counts q and returns the query of the requested page. keep
// lists the query parameters repeated in the page links.
func (s *Server) paginate(r *http.Request, q *gorm.DB, keep ...string) (recordsView, *gorm.DB, error) {
	var view recordsView
	var total int64
	if err := q.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return view, nil, err
	}
	pages := max(1, int((total+recordsPerPage-1)/recordsPerPage))
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	page = min(max(page, 1), pages)

	view.Page = page
	if pages > 1 {
		for i := 1; i <= pages; i++ {
			view.PageLinks = append(view.PageLinks, i)
		}
	}
	params := url.Values{}
	for _, key := range keep {
		if v := r.URL.Query().Get(key); v != "" {
			params.Set(key, v)
		}
	}
	view.Query = params.Encode()
	return view, q.Offset((page - 1) * recordsPerPage).Limit(recordsPerPage), nil
}

func (s *Server) formatTime(r *http.Request, v any) string {
	opts := s.renderOptions(r)
	opts.NoHTML = true
	return s.deps.Site.Models.Renderer().Render(v, opts)
}

// handleAuditLog lists audit entries across every entity, newest first.
// ?filter=user|system narrows by actor.
func (s *Server) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	if !s.requirePerm(w, r, core.PermAuditLog) {
		return
	}
	q := s.db.WithContext(r.Context()).Model(&models.AuditLogEntry{})
	switch r.URL.Query().Get("filter") {
	case audit.FilterUser:
		q = q.Where("user_id IS NOT NULL")
	case audit.FilterSystem:
		q = q.Where("user_id IS NULL")
	}
	view, pq, err := s.paginate(r, q, "filter")
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	var entries []models.AuditLogEntry
	if err := pq.Preload("User").Order("created_at DESC").Order("id DESC").Find(&entries).Error; err != nil {
		s.renderError(w, r, err)
		return
	}

	view.Table = recordsTable{
		ID:      "auditlog",
		Headers: []string{"Date", "Object", "Action", "User", "Changes"},
		Empty:   "No audit entries",
	}
	for _, e := range entries {
		object := e.ObjectVerboseName
		if cfg, err := s.deps.Site.Models.Get(e.ContentType); err == nil {
			object = cfg.Name + ": " + object
		}
		by := "System"
		if e.User != nil {
			by = e.User.FullName()
		}
		view.Table.Rows = append(view.Table.Rows, []string{
			s.formatTime(r, e.CreatedAt),
			object,
			e.Action,
			by,
			changedFields(e.Changes.Data()),
		})
	}
	s.renderPage(w, r, http.StatusOK, "Audit log", "records_page", view)
}

func changedFields(changes models.Changes) string {
	names := make([]string, 0, len(changes))
	for name := range changes {
		names = append(names, name)
	}
	slices.Sort(names)
	return strings.Join(names, ", ")
}

// handleTasks lists task records. Users without the task permission see
// their own tasks only.
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	user := userOf(r)
	q := s.db.WithContext(r.Context()).Model(&models.TaskRecord{})
	if !s.perms.Has(r.Context(), user, core.PermTasks) {
		q = q.Where("user_id = ?", user.ID)
	}
	if status := r.URL.Query().Get("status"); status != "" {
		q = q.Where("status = ?", status)
	}
	view, pq, err := s.paginate(r, q, "status")
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	var records []models.TaskRecord
	if err := pq.Order("created_at DESC").Order("id DESC").Find(&records).Error; err != nil {
		s.renderError(w, r, err)
		return
	}

	view.Table = recordsTable{
		ID:      "tasks",
		Headers: []string{"Created", "Description", "Object", "Status", "Progress", "Duration", "Result"},
		Empty:   "No tasks",
	}
	for _, rec := range records {
		view.Table.Rows = append(view.Table.Rows, []string{
			s.formatTime(r, rec.CreatedAt),
			rec.Description,
			rec.ObjectVerboseName,
			rec.Status,
			strconv.Itoa(rec.Progress) + "%",
			strconv.Itoa(rec.ExecutionTime) + "s",
			rec.Result,
		})
	}
	s.renderPage(w, r, http.StatusOK, "Tasks", "records_page", view)
}

// handleLogs lists the deduplicated log buckets, most recent first.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if !s.requirePerm(w, r, core.PermLogs) {
		return
	}
	q := s.db.WithContext(r.Context()).Model(&models.Log{})
	if level := r.URL.Query().Get("level"); level != "" {
		q = q.Where("level = ?", level)
	}
	view, pq, err := s.paginate(r, q, "level")
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	var logs []models.Log
	if err := pq.Order("last_seen DESC").Order("id DESC").Find(&logs).Error; err != nil {
		s.renderError(w, r, err)
		return
	}

	view.Table = recordsTable{
		ID:      "logs",
		Headers: []string{"Last seen", "Level", "Message", "Location", "Count"},
		Empty:   "No log entries",
	}
	for _, l := range logs {
		view.Table.Rows = append(view.Table.Rows, []string{
			s.formatTime(r, l.LastSeen),
			l.Level,
			l.Message,
			l.File + ":" + strconv.Itoa(l.Line),
			strconv.FormatInt(l.Count, 10),
		})
	}
	s.renderPage(w, r, http.StatusOK, "Logs", "records_page", view)
}

// handleVariables lists system variables. Secret values are masked.
func (s *Server) handleVariables(w http.ResponseWriter, r *http.Request) {
	if !s.requirePerm(w, r, core.PermVariables) {
		return
	}
	if s.deps.Variables == nil {
		s.renderError(w, r, &notFound{msg: "System variables are not configured"})
		return
	}
	vars, err := s.deps.Variables.Codes(r.Context())
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	view := recordsView{Table: recordsTable{
		ID:      "variables",
		Headers: []string{"Code", "Value", "Updated"},
		Empty:   "No system variables",
	}}
	for _, v := range vars {
		value := string(v.Value)
		if v.Secret {
			value = secretMask
		}
		view.Table.Rows = append(view.Table.Rows, []string{v.Code, value, s.formatTime(r, v.UpdatedAt)})
	}
	s.renderPage(w, r, http.StatusOK, "System variables", "records_page", view)
}
