package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"trionyx/pkg/filters"
	"trionyx/pkg/permissions"
	"trionyx/pkg/registry"
	"trionyx/pkg/serializers"
)

const (
	apiDefaultLimit = 100
	apiMaxLimit     = 1000
)

var (
	errReadOnly     = errors.New("method not allowed on a read-only resource")
	errInvalidParam = errors.New("invalid query parameter")
)

// apiPage is the limit/offset list envelope.
type apiPage struct {
	Count    int64            `json:"count"`
	Next     *string          `json:"next"`
	Previous *string          `json:"previous"`
	Results  []map[string]any `json:"results"`
}

// apiFail answers REST errors. Validation failures carry every message:
// filter errors as {"errors": [...]}, payload errors keyed by field.
func apiFail(w http.ResponseWriter, r *http.Request, err error) {
	var (
		filterErr *filters.ValidationError
		serialErr *serializers.ValidationError
	)
	switch {
	case errors.As(err, &filterErr):
		respondJSON(w, http.StatusBadRequest, map[string]any{"errors": filterErr.Errors})
	case errors.As(err, &serialErr):
		respondJSON(w, http.StatusBadRequest, serialErr.Fields)
	case errors.Is(err, errInvalidParam):
		respondError(w, http.StatusBadRequest, err)
	case errors.Is(err, errReadOnly):
		w.Header().Set("Allow", "GET, HEAD, OPTIONS")
		respondError(w, http.StatusMethodNotAllowed, err)
	default:
		status := statusOf(err)
		logFailure(r, status, err)
		respondError(w, status, errors.New(publicMessage(status, err)))
	}
}

// apiResource resolves the entity and serializer of an API route. Writes
// to an entity without writable fields are rejected.
func (s *Server) apiResource(r *http.Request) (*registry.Config, *serializers.Serializer, error) {
	cfg, err := s.model(r)
	if err != nil {
		return nil, nil, err
	}
	if cfg.APIDisable {
		return nil, nil, &notFound{msg: "Not found"}
	}
	ser, err := s.deps.Site.Serializers.Get(cfg)
	if err != nil {
		return nil, nil, err
	}
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		if len(ser.Writable()) == 0 {
			return nil, nil, errReadOnly
		}
	}
	return cfg, ser, nil
}

// apiObject loads {pk} and checks the method permission on it.
func (s *Server) apiObject(r *http.Request, cfg *registry.Config) (any, error) {
	obj, err := s.object(r, cfg)
	if err != nil {
		return nil, err
	}
	if action := permissions.MethodAction(r.Method); action != "" {
		if err := s.check(r, action, cfg, obj); err != nil {
			return nil, err
		}
	}
	return obj, nil
}

func (s *Server) encodeOne(r *http.Request, ser *serializers.Serializer, obj any) (map[string]any, error) {
	rows, err := ser.Encode(r.Context(), s.db, obj)
	if err != nil {
		return nil, err
	}
	return rows[0], nil
}

func decodePayload(r *http.Request) (map[string]any, error) {
	if r.Body == nil {
		return nil, errors.New("request body required")
	}
	defer r.Body.Close()
	var data map[string]any
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		return nil, &serializers.ValidationError{Fields: map[string][]string{
			"non_field_errors": {"JSON parse error - " + err.Error()},
		}}
	}
	if data == nil {
		data = map[string]any{}
	}
	return data, nil
}

func intParam(values url.Values, key string, def int) (int, error) {
	raw := values.Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", errInvalidParam, key)
	}
	return n, nil
}

// ordering parses _ordering, a comma separated list of columns where a
// leading "-" sorts descending.
func ordering(q *gorm.DB, cfg *registry.Config, raw string) (*gorm.DB, error) {
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, desc := strings.CutPrefix(part, "-")
		f, ok := cfg.Field(name)
		if !ok || !f.Column() {
			return nil, &filters.ValidationError{Errors: []string{"_ordering: unknown field " + strconv.Quote(name)}}
		}
		q = q.Order(clause.OrderByColumn{Column: clause.Column{Table: clause.CurrentTable, Name: f.Schema.DBName}, Desc: desc})
	}
	return q.Order(clause.OrderByColumn{Column: clause.Column{Table: clause.CurrentTable, Name: "id"}}), nil
}

func pageLink(r *http.Request, offset, limit int) *string {
	values := r.URL.Query()
	values.Set("_offset", strconv.Itoa(offset))
	values.Set("_limit", strconv.Itoa(limit))
	link := r.URL.Path + "?" + values.Encode()
	return &link
}

// handleAPIList lists live objects. Reserved parameters: _search,
// _ordering, _limit and _offset; every other parameter is a filter.
func (s *Server) handleAPIList(w http.ResponseWriter, r *http.Request) {
	cfg, ser, err := s.apiResource(r)
	if err != nil {
		apiFail(w, r, err)
		return
	}
	if err := s.check(r, permissions.View, cfg, nil); err != nil {
		apiFail(w, r, err)
		return
	}
	values := r.URL.Query()
	limit, err := intParam(values, "_limit", apiDefaultLimit)
	if err != nil {
		apiFail(w, r, err)
		return
	}
	switch {
	case limit == 0:
		limit = apiDefaultLimit
	case limit > apiMaxLimit:
		limit = apiMaxLimit
	}
	offset, err := intParam(values, "_offset", 0)
	if err != nil {
		apiFail(w, r, err)
		return
	}

	q := cfg.Query(s.db.WithContext(r.Context()))
	q = s.deps.Search.Narrow(r.Context(), q, cfg, values.Get("_search"))
	if q, err = filters.ApplyQuery(q, cfg, values); err != nil {
		apiFail(w, r, err)
		return
	}
	var count int64
	if err := q.Session(&gorm.Session{}).Count(&count).Error; err != nil {
		apiFail(w, r, err)
		return
	}
	if q, err = ordering(q, cfg, values.Get("_ordering")); err != nil {
		apiFail(w, r, err)
		return
	}

	list := cfg.NewSlice()
	if err := q.Offset(offset).Limit(limit).Find(list).Error; err != nil {
		apiFail(w, r, err)
		return
	}
	results, err := ser.Encode(r.Context(), s.db, cfg.Items(list)...)
	if err != nil {
		apiFail(w, r, err)
		return
	}
	out := apiPage{Count: count, Results: results}
	if int64(offset+limit) < count {
		out.Next = pageLink(r, offset+limit, limit)
	}
	if offset > 0 {
		out.Previous = pageLink(r, max(offset-limit, 0), limit)
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleAPIRetrieve(w http.ResponseWriter, r *http.Request) {
	cfg, ser, err := s.apiResource(r)
	if err != nil {
		apiFail(w, r, err)
		return
	}
	obj, err := s.apiObject(r, cfg)
	if err != nil {
		apiFail(w, r, err)
		return
	}
	row, err := s.encodeOne(r, ser, obj)
	if err != nil {
		apiFail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, row)
}

func (s *Server) handleAPICreate(w http.ResponseWriter, r *http.Request) {
	cfg, ser, err := s.apiResource(r)
	if err != nil {
		apiFail(w, r, err)
		return
	}
	if err := s.check(r, permissions.Add, cfg, nil); err != nil {
		apiFail(w, r, err)
		return
	}
	data, err := decodePayload(r)
	if err != nil {
		apiFail(w, r, err)
		return
	}
	p, err := ser.Decode(cfg.New(), data, false)
	if err != nil {
		apiFail(w, r, err)
		return
	}
	if err := ser.Save(r.Context(), s.db, p); err != nil {
		apiFail(w, r, err)
		return
	}
	s.respondSaved(w, r, cfg, ser, p.Instance, http.StatusCreated)
}

// handleAPIUpdate serves PUT and PATCH. PATCH leaves absent fields alone.
func (s *Server) handleAPIUpdate(w http.ResponseWriter, r *http.Request) {
	cfg, ser, err := s.apiResource(r)
	if err != nil {
		apiFail(w, r, err)
		return
	}
	obj, err := s.apiObject(r, cfg)
	if err != nil {
		apiFail(w, r, err)
		return
	}
	data, err := decodePayload(r)
	if err != nil {
		apiFail(w, r, err)
		return
	}
	p, err := ser.Decode(obj, data, r.Method == http.MethodPatch)
	if err != nil {
		apiFail(w, r, err)
		return
	}
	if err := ser.Save(r.Context(), s.db, p); err != nil {
		apiFail(w, r, err)
		return
	}
	s.respondSaved(w, r, cfg, ser, p.Instance, http.StatusOK)
}

// respondSaved reloads obj so computed columns such as the display name
// are current.
func (s *Server) respondSaved(w http.ResponseWriter, r *http.Request, cfg *registry.Config, ser *serializers.Serializer, obj any, status int) {
	fresh, err := cfg.Get(r.Context(), s.db, cfg.ID(obj))
	if err != nil {
		apiFail(w, r, err)
		return
	}
	row, err := s.encodeOne(r, ser, fresh)
	if err != nil {
		apiFail(w, r, err)
		return
	}
	respondJSON(w, status, row)
}

func (s *Server) handleAPIDestroy(w http.ResponseWriter, r *http.Request) {
	cfg, _, err := s.apiResource(r)
	if err != nil {
		apiFail(w, r, err)
		return
	}
	obj, err := s.apiObject(r, cfg)
	if err != nil {
		apiFail(w, r, err)
		return
	}
	if err := cfg.Delete(r.Context(), s.db, obj); err != nil {
		apiFail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type apiFieldInfo struct {
	Type     string            `json:"type"`
	Label    string            `json:"label"`
	Required bool              `json:"required"`
	ReadOnly bool              `json:"read_only"`
	Choices  []registry.Choice `json:"choices,omitempty"`
}

// handleAPIOptions describes the resource and, for methods the user may
// call, the accepted fields.
func (s *Server) handleAPIOptions(w http.ResponseWriter, r *http.Request) {
	cfg, ser, err := s.apiResource(r)
	if err != nil {
		apiFail(w, r, err)
		return
	}
	detail := chi.URLParam(r, "pk") != ""
	name := cfg.NamePlural
	if detail {
		name = cfg.Name
	}
	out := map[string]any{
		"name":        name,
		"description": cfg.APIDescription,
		"renders":     []string{"application/json"},
		"parses":      []string{"application/json"},
	}

	allow := []string{http.MethodGet, http.MethodHead, http.MethodOptions}
	actions := map[string]any{}
	writable := len(ser.Writable()) > 0
	method, verb := http.MethodPost, permissions.Add
	if detail {
		method, verb = http.MethodPut, permissions.Change
	}
	if writable {
		if detail {
			allow = append(allow, http.MethodPut, http.MethodPatch, http.MethodDelete)
		} else {
			allow = append(allow, http.MethodPost)
		}
		if s.can(r, verb, cfg, nil) {
			actions[method] = describeFields(ser)
		}
	}
	if len(actions) > 0 {
		out["actions"] = actions
	}
	w.Header().Set("Allow", strings.Join(allow, ", "))
	respondJSON(w, http.StatusOK, out)
}

func describeFields(ser *serializers.Serializer) map[string]apiFieldInfo {
	out := make(map[string]apiFieldInfo, len(ser.Fields))
	for _, f := range ser.Fields {
		info := apiFieldInfo{
			Type:     apiType(f),
			Label:    f.Label,
			ReadOnly: ser.ReadOnly(f.Name),
			Choices:  f.Choices,
		}
		info.Required = f.Required && !info.ReadOnly
		out[f.Name] = info
	}
	return out
}

// apiType names the JSON type of a field.
func apiType(f *registry.Field) string {
	switch {
	case f.ManyToMany || f.Reverse:
		return "array"
	case f.Relation != nil:
		return "integer"
	}
	switch f.Type {
	case registry.TypeInt:
		return "integer"
	case registry.TypeFloat:
		return "number"
	case registry.TypeBool:
		return "boolean"
	default:
		return "string"
	}
}
