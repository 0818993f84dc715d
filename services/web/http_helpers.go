package web

import (
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"trionyx/pkg/filters"
	"trionyx/pkg/forms"
	"trionyx/pkg/menu"
	"trionyx/pkg/models"
	"trionyx/pkg/permissions"
	"trionyx/pkg/registry"
	"trionyx/pkg/reqctx"
	"trionyx/pkg/serializers"
	"trionyx/pkg/sidebar"
	"trionyx/pkg/sysvar"
	"trionyx/pkg/tabs"
	"trionyx/pkg/widgets"
)

// Async envelope statuses.
const (
	statusSuccess = "success"
	statusError   = "error"
	statusFail    = "fail"
)

var errUnauthorized = errors.New("authentication required")

// asyncResponse is the generic envelope of ajax endpoints.
type asyncResponse struct {
	Status  string `json:"status"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

func decodeJSON(r *http.Request, dest any) error {
	if r.Body == nil {
		return errors.New("request body required")
	}
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	respondJSON(w, status, map[string]any{"error": err.Error()})
}

func respondSuccess(w http.ResponseWriter, data any) {
	respondJSON(w, http.StatusOK, asyncResponse{Status: statusSuccess, Data: data})
}

// statusOf maps an error to its HTTP status.
func statusOf(err error) int {
	var (
		filterErr *filters.ValidationError
		serialErr *serializers.ValidationError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, errUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, permissions.ErrDenied):
		return http.StatusForbidden
	case errors.As(err, &filterErr), errors.As(err, &serialErr):
		return http.StatusBadRequest
	case errors.Is(err, registry.ErrNotFound),
		errors.Is(err, gorm.ErrRecordNotFound),
		errors.Is(err, tabs.ErrNotFound),
		errors.Is(err, sidebar.ErrNotFound),
		errors.Is(err, forms.ErrNotFound),
		errors.Is(err, forms.ErrUnknownToken),
		errors.Is(err, widgets.ErrUnknownWidget),
		errors.Is(err, widgets.ErrNoInstance),
		errors.Is(err, sysvar.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// logFailure records unexpected errors. The event carries the request
// context so the log store sees the user and user agent.
func logFailure(r *http.Request, status int, err error) {
	if status < http.StatusInternalServerError {
		return
	}
	ctx := r.Context()
	zerolog.Ctx(ctx).Error().Ctx(ctx).Err(err).Str("path", r.URL.Path).Msg("request failed")
}

// publicMessage hides internal failures from clients.
func publicMessage(status int, err error) string {
	switch status {
	case http.StatusInternalServerError:
		return "Internal server error"
	case http.StatusNotFound:
		var nf *notFound
		if errors.As(err, &nf) {
			return nf.Error()
		}
		return "Not found"
	case http.StatusForbidden:
		return "You do not have permission to perform this action"
	default:
		return err.Error()
	}
}

// failJSON answers with the async envelope.
func failJSON(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	logFailure(r, status, err)
	respondJSON(w, status, asyncResponse{Status: statusError, Message: publicMessage(status, err)})
}

// notFound carries a client facing message.
type notFound struct{ msg string }

func (e *notFound) Error() string { return e.msg }
func (e *notFound) Is(target error) bool {
	return target == registry.ErrNotFound
}

// wantsJSON reports whether r is answered with JSON instead of a page.
func wantsJSON(r *http.Request) bool {
	p := r.URL.Path
	for _, prefix := range []string{"/api/", "/dialog/", "/sidebar/", "/mass/", "/dashboard/", "/search/", "/ajax-choices/"} {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	if strings.HasSuffix(p, "/ajax/") || strings.HasSuffix(p, "/tab/") || strings.HasSuffix(p, "/choices/") {
		return true
	}
	return r.Header.Get("X-Requested-With") == "XMLHttpRequest" ||
		strings.Contains(r.Header.Get("Accept"), "application/json")
}

// model resolves the {app} and {model} route parameters.
func (s *Server) model(r *http.Request) (*registry.Config, error) {
	app, name := chi.URLParam(r, "app"), chi.URLParam(r, "model")
	cfg, err := s.deps.Site.Models.Lookup(app, name)
	if err != nil {
		return nil, &notFound{msg: "Unknown model " + app + "." + name}
	}
	return cfg, nil
}

// object loads the live instance named by the {pk} route parameter.
func (s *Server) object(r *http.Request, cfg *registry.Config) (any, error) {
	id, err := strconv.ParseUint(chi.URLParam(r, "pk"), 10, 64)
	if err != nil {
		return nil, &notFound{msg: "Invalid id"}
	}
	obj, err := cfg.Get(r.Context(), s.db, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &notFound{msg: cfg.Name + " not found"}
	}
	return obj, err
}

// check verifies the acting user may perform action on cfg, and on obj
// when it is set.
func (s *Server) check(r *http.Request, action string, cfg *registry.Config, obj any) error {
	return s.perms.Check(r.Context(), action, cfg, obj, reqctx.User(r.Context()))
}

func (s *Server) can(r *http.Request, action string, cfg *registry.Config, obj any) bool {
	return s.perms.Can(r.Context(), action, cfg, obj, reqctx.User(r.Context()))
}

// page is the data of the "page" layout template.
type page struct {
	Lang     string
	AppName  string
	Title    string
	User     *pageUser
	Menu     []menuEntry
	Messages []string
	Content  template.HTML
}

type pageUser struct {
	Name      string
	DetailURL string
}

type menuEntry struct {
	Name     string
	URL      string
	Icon     string
	Active   bool
	Children []menuEntry
}

func (s *Server) menuFor(r *http.Request, user *models.User) []menuEntry {
	ctx := r.Context()
	items := s.deps.Site.Menu.ForUser(func(perm string) bool {
		return s.perms.Has(ctx, user, perm)
	})
	return toMenuEntries(items, r.URL.Path)
}

func toMenuEntries(items []*menu.Item, path string) []menuEntry {
	out := make([]menuEntry, 0, len(items))
	for _, item := range items {
		out = append(out, menuEntry{
			Name:     item.Name,
			URL:      item.URL,
			Icon:     item.Icon,
			Active:   item.IsActive(path),
			Children: toMenuEntries(item.Children, path),
		})
	}
	return out
}

// renderPage renders the named body template inside the page layout.
func (s *Server) renderPage(w http.ResponseWriter, r *http.Request, status int, title, name string, data any) {
	body, err := s.deps.Engine.HTML(name, data)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	s.writePage(w, r, status, title, body)
}

func (s *Server) writePage(w http.ResponseWriter, r *http.Request, status int, title string, body template.HTML) {
	p := page{
		Lang:    s.deps.Site.Models.Renderer().Locale().Tag.String(),
		AppName: s.opts.AppName,
		Title:   title,
		Content: body,
	}
	if user := reqctx.User(r.Context()); user != nil {
		p.User = &pageUser{
			Name:      user.FullName(),
			DetailURL: "/model/trionyx/user/" + strconv.FormatUint(user.ID, 10) + "/",
		}
		p.Menu = s.menuFor(r, user)
	}
	out, err := s.deps.Engine.Render("page", p)
	if err != nil {
		logFailure(r, http.StatusInternalServerError, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(out))
}

// renderError answers err as JSON or as an error page.
func (s *Server) renderError(w http.ResponseWriter, r *http.Request, err error) {
	if wantsJSON(r) {
		failJSON(w, r, err)
		return
	}
	status := statusOf(err)
	logFailure(r, status, err)
	body, rerr := s.deps.Engine.HTML("error_page", map[string]any{
		"Status":  status,
		"Title":   http.StatusText(status),
		"Message": publicMessage(status, err),
	})
	if rerr != nil {
		http.Error(w, http.StatusText(status), status)
		return
	}
	s.writePage(w, r, status, http.StatusText(status), body)
}

func userOf(r *http.Request) *models.User {
	return reqctx.User(r.Context())
}
