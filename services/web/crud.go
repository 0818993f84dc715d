package web

import (
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"trionyx/pkg/forms"
	"trionyx/pkg/layout"
	"trionyx/pkg/permissions"
	"trionyx/pkg/registry"
	"trionyx/pkg/tabs"
)

// maxUploadSize bounds multipart form bodies.
const maxUploadSize = 32 << 20

// dialogResponse is the envelope consumed by the client dialog controller.
type dialogResponse struct {
	Title       string `json:"title"`
	Content     string `json:"content"`
	SubmitLabel string `json:"submit_label,omitempty"`
	URL         string `json:"url,omitempty"`
	Success     bool   `json:"success"`
	RedirectURL string `json:"redirect_url,omitempty"`
	Close       bool   `json:"close,omitempty"`
}

// dialogError renders err as a dialog titled with its message.
func dialogError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	logFailure(r, status, err)
	respondJSON(w, status, dialogResponse{Title: publicMessage(status, err)})
}

func parseBody(r *http.Request) error {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		return r.ParseMultipartForm(maxUploadSize)
	}
	return r.ParseForm()
}

func (s *Server) layoutContext(r *http.Request, obj any) *layout.Context {
	return &layout.Context{
		Object:   obj,
		Registry: s.deps.Site.Models,
		Renderer: s.deps.Site.Models.Renderer(),
		Engine:   s.deps.Engine,
		Options:  s.renderOptions(r),
	}
}

// button mirrors the fields of the button component template.
type button struct {
	ID     string
	Label  string
	URL    string
	Class  string
	Icon   string
	Dialog bool
	Reload bool
}

func (s *Server) headerButtons(r *http.Request, cfg *registry.Config, obj any) []button {
	var out []button
	for _, hb := range cfg.ViewHeaderButtons {
		if hb.Show != nil && !hb.Show(obj) {
			continue
		}
		class := hb.Class
		if class == "" {
			class = "btn btn-default"
		}
		out = append(out, button{Label: hb.Label, URL: hb.URL(obj), Class: class, Dialog: hb.Dialog, Reload: hb.Dialog})
	}
	if s.can(r, permissions.Change, cfg, obj) {
		out = append(out, button{Label: "Edit", URL: "/dialog" + cfg.EditURL(obj), Class: "btn btn-default", Icon: "fa fa-edit", Dialog: true, Reload: true})
	}
	if s.can(r, permissions.Delete, cfg, obj) {
		out = append(out, button{Label: "Delete", URL: "/dialog" + cfg.DeleteURL(obj), Class: "btn btn-danger", Icon: "fa fa-trash", Dialog: true})
	}
	return out
}

type tabLink struct {
	Code string
	Name string
}

type detailView struct {
	Title   string
	Buttons []button
	Tabs    []tabLink
	Active  string
	Content template.HTML
	TabURL  string
}

func (s *Server) handleDetail(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.model(r)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	obj, err := s.object(r, cfg)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	if err := s.check(r, permissions.View, cfg, obj); err != nil {
		s.renderError(w, r, err)
		return
	}

	visible, err := s.deps.Site.Tabs.Tabs(cfg, obj)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	view := detailView{
		Title:   cfg.FormatVerboseName(obj),
		Buttons: s.headerButtons(r, cfg, obj),
		TabURL:  cfg.DetailURL(obj) + "tab/",
	}
	requested := strings.ToLower(r.URL.Query().Get("tab"))
	for _, t := range visible {
		view.Tabs = append(view.Tabs, tabLink{Code: t.Code, Name: t.Name})
		if t.Code == requested {
			view.Active = t.Code
		}
	}
	if view.Active == "" && len(visible) > 0 {
		view.Active = visible[0].Code
	}
	if view.Active != "" {
		content, err := s.deps.Site.Tabs.Render(r.Context(), s.layoutContext(r, obj), cfg, view.Active)
		if err != nil {
			s.renderError(w, r, err)
			return
		}
		view.Content = template.HTML(content)
	}
	s.renderPage(w, r, http.StatusOK, view.Title, "detail_page", view)
}

// handleTab renders one tab. Unknown or hidden codes answer with an error
// envelope instead of a 404, so the page keeps its other tabs.
func (s *Server) handleTab(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.model(r)
	if err != nil {
		failJSON(w, r, err)
		return
	}
	obj, err := s.object(r, cfg)
	if err != nil {
		failJSON(w, r, err)
		return
	}
	if err := s.check(r, permissions.View, cfg, obj); err != nil {
		failJSON(w, r, err)
		return
	}
	code := r.URL.Query().Get("tab")
	content, err := s.deps.Site.Tabs.Render(r.Context(), s.layoutContext(r, obj), cfg, code)
	if errors.Is(err, tabs.ErrNotFound) {
		respondJSON(w, http.StatusBadRequest, asyncResponse{Status: statusError, Message: fmt.Sprintf("Unknown tab %q", code)})
		return
	}
	if err != nil {
		failJSON(w, r, err)
		return
	}
	respondSuccess(w, content)
}

type formView struct {
	Action      string
	Form        template.HTML
	SubmitLabel string
	CancelURL   string
}

// formHandler serves create and edit, as pages or dialogs. The {pk}
// parameter selects edit, {code} a named form.
func (s *Server) formHandler(dialog bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fail := s.renderError
		if dialog {
			fail = func(w http.ResponseWriter, r *http.Request, err error) { dialogError(w, r, err) }
		}
		cfg, err := s.model(r)
		if err != nil {
			fail(w, r, err)
			return
		}

		editing := chi.URLParam(r, "pk") != ""
		var instance any
		if editing {
			if instance, err = s.object(r, cfg); err != nil {
				fail(w, r, err)
				return
			}
			err = s.check(r, permissions.Change, cfg, instance)
		} else {
			instance = cfg.New()
			err = s.check(r, permissions.Add, cfg, nil)
		}
		if err != nil {
			fail(w, r, err)
			return
		}

		def, err := s.formDefinition(cfg, chi.URLParam(r, "code"), editing)
		if err != nil {
			fail(w, r, err)
			return
		}
		form, err := s.deps.Site.Forms.Build(r.Context(), s.db, cfg, def, instance)
		if err != nil {
			fail(w, r, err)
			return
		}

		if r.Method == http.MethodPost {
			if err := parseBody(r); err != nil {
				fail(w, r, err)
				return
			}
			form.Bind(r.PostForm)
			if form.IsValid() {
				saved, err := form.Save(true)
				if err != nil {
					fail(w, r, err)
					return
				}
				if dialog {
					respondJSON(w, http.StatusOK, dialogResponse{Title: form.Title(), Success: true, RedirectURL: cfg.DetailURL(saved), Close: true})
					return
				}
				http.Redirect(w, r, cfg.DetailURL(saved), http.StatusFound)
				return
			}
		}

		content, err := form.Render(s.deps.Engine)
		if err != nil {
			fail(w, r, err)
			return
		}
		if dialog {
			respondJSON(w, http.StatusOK, dialogResponse{
				Title:       form.Title(),
				Content:     string(content),
				SubmitLabel: form.SubmitLabel(),
				URL:         r.URL.Path,
			})
			return
		}
		cancel := cfg.ListURL()
		if editing {
			cancel = cfg.DetailURL(instance)
		}
		status := http.StatusOK
		if r.Method == http.MethodPost {
			status = http.StatusUnprocessableEntity
		}
		s.renderPage(w, r, status, form.Title(), "form_page", formView{
			Action:      r.URL.Path,
			Form:        content,
			SubmitLabel: form.SubmitLabel(),
			CancelURL:   cancel,
		})
	}
}

func (s *Server) formDefinition(cfg *registry.Config, code string, editing bool) (*forms.Definition, error) {
	switch {
	case code != "":
		return s.deps.Site.Forms.Get(cfg, code)
	case editing:
		return s.deps.Site.Forms.Edit(cfg)
	default:
		return s.deps.Site.Forms.Create(cfg)
	}
}

type deleteView struct {
	Action    string
	Name      string
	CancelURL string
	Dialog    bool
}

// deleteHandler asks for confirmation on GET and soft-deletes on POST.
func (s *Server) deleteHandler(dialog bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fail := s.renderError
		if dialog {
			fail = func(w http.ResponseWriter, r *http.Request, err error) { dialogError(w, r, err) }
		}
		cfg, err := s.model(r)
		if err != nil {
			fail(w, r, err)
			return
		}
		obj, err := s.object(r, cfg)
		if err != nil {
			fail(w, r, err)
			return
		}
		if err := s.check(r, permissions.Delete, cfg, obj); err != nil {
			fail(w, r, err)
			return
		}
		title := "Delete " + cfg.FormatVerboseName(obj)

		if r.Method == http.MethodPost {
			if err := cfg.Delete(r.Context(), s.db, obj); err != nil {
				fail(w, r, err)
				return
			}
			if dialog {
				respondJSON(w, http.StatusOK, dialogResponse{Title: title, Success: true, RedirectURL: cfg.ListURL(), Close: true})
				return
			}
			http.Redirect(w, r, cfg.ListURL(), http.StatusFound)
			return
		}

		view := deleteView{
			Action:    r.URL.Path,
			Name:      cfg.FormatVerboseName(obj),
			CancelURL: cfg.DetailURL(obj),
			Dialog:    dialog,
		}
		if !dialog {
			s.renderPage(w, r, http.StatusOK, title, "delete_confirm", view)
			return
		}
		content, err := s.deps.Engine.Render("delete_confirm", view)
		if err != nil {
			fail(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, dialogResponse{Title: title, Content: content, SubmitLabel: "Delete", URL: r.URL.Path})
	}
}

func (s *Server) handleSidebar(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.model(r)
	if err != nil {
		failJSON(w, r, err)
		return
	}
	obj, err := s.object(r, cfg)
	if err != nil {
		failJSON(w, r, err)
		return
	}
	if err := s.check(r, permissions.View, cfg, obj); err != nil {
		failJSON(w, r, err)
		return
	}
	out, err := s.deps.Site.Sidebars.Render(r.Context(), s.layoutContext(r, obj), cfg, chi.URLParam(r, "code"))
	if err != nil {
		failJSON(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}
