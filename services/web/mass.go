package web

import (
	"errors"
	"html/template"
	"net/http"
	"strconv"
	"strings"

	"gorm.io/gorm"

	"trionyx/pkg/forms"
	"trionyx/pkg/permissions"
	"trionyx/pkg/registry"
	"trionyx/pkg/tasks"
)

var errMassUpdateUnavailable = errors.New("mass update is not available")

// selection is the target set of a mass action: every filtered row with
// all=1, otherwise the listed ids.
type selection struct {
	All bool
	IDs []uint64
}

func parseSelection(r *http.Request) (selection, error) {
	sel := selection{All: r.Form.Get("all") == "1"}
	if sel.All {
		return sel, nil
	}
	for _, raw := range r.Form["ids"] {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id, err := strconv.ParseUint(part, 10, 64)
			if err != nil {
				return sel, &notFound{msg: "Invalid id " + part}
			}
			sel.IDs = append(sel.IDs, id)
		}
	}
	return sel, nil
}

func (sel selection) idList() string {
	parts := make([]string, len(sel.IDs))
	for i, id := range sel.IDs {
		parts[i] = strconv.FormatUint(id, 10)
	}
	return strings.Join(parts, ",")
}

// selected returns the query of the selection. With all=1 the session
// list state narrows the rows like the list view does.
func (s *Server) selected(w http.ResponseWriter, r *http.Request, cfg *registry.Config, sel selection) (*gorm.DB, listState, error) {
	st, err := s.loadListState(w, r, cfg)
	if err != nil {
		return nil, st, err
	}
	if !sel.All {
		return cfg.Query(s.db.WithContext(r.Context())).Where("id IN ?", sel.IDs), st, nil
	}
	q, err := s.filteredQuery(r, cfg, st.Search, st.Filters)
	return q, st, err
}

// handleMassDelete soft-deletes the selection inline, in one transaction.
func (s *Server) handleMassDelete(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.model(r)
	if err != nil {
		failJSON(w, r, err)
		return
	}
	if !s.perms.CanMass(r.Context(), permissions.Delete, cfg, userOf(r)) {
		failJSON(w, r, permissions.ErrDenied)
		return
	}
	if err := r.ParseForm(); err != nil {
		failJSON(w, r, err)
		return
	}
	sel, err := parseSelection(r)
	if err != nil {
		failJSON(w, r, err)
		return
	}
	q, _, err := s.selected(w, r, cfg, sel)
	if err != nil {
		failJSON(w, r, err)
		return
	}

	list := cfg.NewSlice()
	if err := q.Find(list).Error; err != nil {
		failJSON(w, r, err)
		return
	}
	items := cfg.Items(list)
	err = s.db.WithContext(r.Context()).Transaction(func(tx *gorm.DB) error {
		for _, obj := range items {
			if err := cfg.Delete(r.Context(), tx, obj); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		failJSON(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, asyncResponse{
		Status:  statusSuccess,
		Data:    map[string]int{"deleted": len(items)},
		Message: "Deleted " + strconv.Itoa(len(items)) + " " + strings.ToLower(cfg.NamePlural),
	})
}

type massUpdateView struct {
	Action string
	All    string
	IDs    string
	Count  int64
	Form   template.HTML
}

// handleMassUpdateForm renders the dialog listing the editable fields.
func (s *Server) handleMassUpdateForm(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.model(r)
	if err != nil {
		dialogError(w, r, err)
		return
	}
	if !s.perms.CanMass(r.Context(), permissions.Change, cfg, userOf(r)) {
		dialogError(w, r, permissions.ErrDenied)
		return
	}
	if err := r.ParseForm(); err != nil {
		dialogError(w, r, err)
		return
	}
	sel, err := parseSelection(r)
	if err != nil {
		dialogError(w, r, err)
		return
	}
	q, _, err := s.selected(w, r, cfg, sel)
	if err != nil {
		dialogError(w, r, err)
		return
	}
	var count int64
	if err := q.Count(&count).Error; err != nil {
		dialogError(w, r, err)
		return
	}

	def, err := s.deps.Site.Forms.Edit(cfg)
	if err != nil {
		dialogError(w, r, err)
		return
	}
	form, err := s.deps.Site.Forms.Build(r.Context(), s.db, cfg, &forms.Definition{
		Code:   "mass_update",
		Model:  def.Model,
		Fields: def.Fields,
	}, cfg.New())
	if err != nil {
		dialogError(w, r, err)
		return
	}
	fields, err := form.Render(s.deps.Engine)
	if err != nil {
		dialogError(w, r, err)
		return
	}
	all := "0"
	if sel.All {
		all = "1"
	}
	content, err := s.deps.Engine.Render("mass_update_form", massUpdateView{
		Action: r.URL.Path,
		All:    all,
		IDs:    sel.idList(),
		Count:  count,
		Form:   fields,
	})
	if err != nil {
		dialogError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, dialogResponse{
		Title:       "Mass update " + strings.ToLower(cfg.NamePlural),
		Content:     content,
		SubmitLabel: "Update",
		URL:         r.URL.Path,
	})
}

// handleMassUpdate always hands the update to a background task; per
// object validation failures end up in the task result.
func (s *Server) handleMassUpdate(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.model(r)
	if err != nil {
		failJSON(w, r, err)
		return
	}
	if !s.perms.CanMass(r.Context(), permissions.Change, cfg, userOf(r)) {
		failJSON(w, r, permissions.ErrDenied)
		return
	}
	if s.deps.Tasks == nil {
		failJSON(w, r, errMassUpdateUnavailable)
		return
	}
	if err := parseBody(r); err != nil {
		failJSON(w, r, err)
		return
	}
	sel, err := parseSelection(r)
	if err != nil {
		failJSON(w, r, err)
		return
	}
	_, st, err := s.selected(w, r, cfg, sel)
	if err != nil {
		failJSON(w, r, err)
		return
	}
	data := massUpdateData(cfg, r)
	if len(data) == 0 {
		respondJSON(w, http.StatusBadRequest, asyncResponse{Status: statusFail, Message: "No fields to update"})
		return
	}

	args := tasks.Args{"data": data}
	if sel.All {
		args["all"] = "1"
		args["filters"] = st.Filters
		args["search"] = st.Search
	} else {
		args["all"] = "0"
		args["ids"] = sel.idList()
	}
	rec, err := s.deps.Tasks.Delay(r.Context(), tasks.MassUpdateName, tasks.DelayOptions{
		Args:        args,
		Model:       cfg,
		Description: "Mass update " + strings.ToLower(cfg.NamePlural),
	})
	if err != nil {
		failJSON(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, asyncResponse{
		Status:  statusSuccess,
		Data:    map[string]string{"task_id": rec.TaskID},
		Message: "Mass update started",
	})
}

// massUpdateData collects the submitted values of editable fields. A
// field is only updated when its "update_<name>" checkbox is set, or when
// no checkbox was sent at all.
func massUpdateData(cfg *registry.Config, r *http.Request) map[string]any {
	gated := false
	for key := range r.PostForm {
		if strings.HasPrefix(key, "update_") {
			gated = true
			break
		}
	}
	data := make(map[string]any)
	for _, f := range cfg.EditableFields() {
		values, ok := r.PostForm[f.Name]
		if !ok {
			continue
		}
		if gated && r.PostForm.Get("update_"+f.Name) == "" {
			continue
		}
		if f.ManyToMany {
			ids := make([]any, 0, len(values))
			for _, v := range values {
				if id, err := strconv.ParseUint(v, 10, 64); err == nil {
					ids = append(ids, float64(id))
				}
			}
			data[f.Name] = ids
			continue
		}
		v := r.PostForm.Get(f.Name)
		if v == "" && f.Type != registry.TypeString {
			data[f.Name] = nil
			continue
		}
		data[f.Name] = v
	}
	return data
}
