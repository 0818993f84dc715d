package web

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/sessions"
	"github.com/klauspost/compress/zstd"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"trionyx/pkg/export"
	"trionyx/pkg/filters"
	"trionyx/pkg/permissions"
	"trionyx/pkg/registry"
)

// filterChoicesLimit bounds the related objects offered in a filter.
const filterChoicesLimit = 500

// listState is the per user, per entity list configuration kept in the
// session.
type listState struct {
	Fields   []string
	PageSize int
	Page     int
	Sort     string
	Search   string
	Filters  string
}

func listKey(cfg *registry.Config, name string) string {
	return fmt.Sprintf("list_%s_%s_%s", cfg.AppLabel, cfg.ModelName, name)
}

// loadListState reads the session state of cfg and applies the request
// overrides, persisting any change.
func (s *Server) loadListState(w http.ResponseWriter, r *http.Request, cfg *registry.Config) (listState, error) {
	st := listState{PageSize: s.opts.PageSize, Page: 1}
	if err := r.ParseForm(); err != nil {
		return st, err
	}
	session, _ := s.deps.Sessions.Get(r, sessionName)
	if v, ok := session.Values[listKey(cfg, "fields")].(string); ok && v != "" {
		st.Fields = strings.Split(v, ",")
	}
	if v, ok := session.Values[listKey(cfg, "page_size")].(int); ok && v > 0 {
		st.PageSize = v
	}
	if v, ok := session.Values[listKey(cfg, "page")].(int); ok && v > 0 {
		st.Page = v
	}
	st.Sort, _ = session.Values[listKey(cfg, "sort")].(string)
	st.Search, _ = session.Values[listKey(cfg, "search")].(string)
	st.Filters, _ = session.Values[listKey(cfg, "filters")].(string)

	changed := false
	override := func(name string, apply func(string)) {
		if _, ok := r.Form[name]; !ok {
			return
		}
		apply(r.Form.Get(name))
		changed = true
	}
	override("fields", func(v string) {
		st.Fields = nil
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				st.Fields = append(st.Fields, name)
			}
		}
		session.Values[listKey(cfg, "fields")] = strings.Join(st.Fields, ",")
	})
	override("page_size", func(v string) {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			st.PageSize = n
			session.Values[listKey(cfg, "page_size")] = n
		}
	})
	override("page", func(v string) {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			n = 1
		}
		st.Page = n
		session.Values[listKey(cfg, "page")] = n
	})
	override("sort", func(v string) {
		st.Sort = v
		session.Values[listKey(cfg, "sort")] = v
	})
	override("search", func(v string) {
		st.Search = v
		session.Values[listKey(cfg, "search")] = v
	})
	override("filters", func(v string) {
		st.Filters = v
		session.Values[listKey(cfg, "filters")] = v
	})
	if changed {
		if err := saveSession(r, w, session); err != nil {
			return st, err
		}
	}
	return st, nil
}

func saveSession(r *http.Request, w http.ResponseWriter, session *sessions.Session) error {
	if err := session.Save(r, w); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// filteredQuery applies the search term and filters of st to the live
// rows of cfg.
func (s *Server) filteredQuery(r *http.Request, cfg *registry.Config, search, rawFilters string) (*gorm.DB, error) {
	ctx := r.Context()
	q := cfg.Query(s.db.WithContext(ctx))
	q = s.deps.Search.Narrow(ctx, q, cfg, search)
	fs, err := filters.Decode(rawFilters)
	if err != nil {
		return nil, err
	}
	q, err = filters.Apply(q, cfg, fs)
	if err != nil {
		return nil, err
	}
	return q.Session(&gorm.Session{}), nil
}

// sortColumn resolves a list sort key, falling back to the configured
// default and finally to newest first.
func sortColumn(cfg *registry.Config, sort string) clause.OrderByColumn {
	for _, candidate := range []string{sort, cfg.ListDefaultSort, "-id"} {
		name, desc := strings.TrimPrefix(candidate, "-"), strings.HasPrefix(candidate, "-")
		if name == "" {
			continue
		}
		if _, ok := cfg.GetListFields().Get(name); !ok {
			continue
		}
		if f, ok := cfg.Field(name); ok && f.Column() {
			return clause.OrderByColumn{Column: clause.Column{Table: clause.CurrentTable, Name: name}, Desc: desc}
		}
	}
	return clause.OrderByColumn{Column: clause.Column{Table: clause.CurrentTable, Name: "id"}, Desc: true}
}

// projection keeps the requested columns that exist, defaulting to the
// configured default columns.
func projection(cfg *registry.Config, requested []string) []string {
	keep := func(names []string) []string {
		var out []string
		for _, name := range names {
			if _, ok := cfg.GetListFields().Get(name); ok {
				out = append(out, name)
			}
		}
		return out
	}
	if out := keep(requested); len(out) > 0 {
		return out
	}
	if out := keep(cfg.ListDefaultFields); len(out) > 0 {
		return out
	}
	return []string{"id"}
}

type listItem struct {
	ID      uint64   `json:"id"`
	RowData []string `json:"row_data"`
}

type listPayload struct {
	Items    []listItem       `json:"items"`
	Fields   []string         `json:"fields"`
	Page     int              `json:"page"`
	PageSize int              `json:"page_size"`
	Pages    int              `json:"pages"`
	Total    int64            `json:"total"`
	Sort     string           `json:"sort"`
	Search   string           `json:"search"`
	Filters  []filters.Filter `json:"filters"`
}

// list runs the list pipeline for st.
func (s *Server) list(r *http.Request, cfg *registry.Config, st listState) (*listPayload, error) {
	q, err := s.filteredQuery(r, cfg, st.Search, st.Filters)
	if err != nil {
		return nil, err
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, fmt.Errorf("count %s: %w", cfg.Alias(), err)
	}

	pageSize := st.PageSize
	if pageSize <= 0 {
		pageSize = s.opts.PageSize
	}
	pages := int((total + int64(pageSize) - 1) / int64(pageSize))
	if pages < 1 {
		pages = 1
	}
	page := min(max(st.Page, 1), pages)

	order := sortColumn(cfg, st.Sort)
	find := q.Order(order)
	if order.Column.Name != "id" {
		find = find.Order(clause.OrderByColumn{Column: clause.Column{Table: clause.CurrentTable, Name: "id"}, Desc: order.Desc})
	}
	for _, rel := range cfg.ListSelectRelated {
		find = find.Preload(rel)
	}
	list := cfg.NewSlice()
	if err := find.Offset((page - 1) * pageSize).Limit(pageSize).Find(list).Error; err != nil {
		return nil, fmt.Errorf("list %s: %w", cfg.Alias(), err)
	}

	fields := projection(cfg, st.Fields)
	opts := s.renderOptions(r)
	items := cfg.Items(list)
	payload := &listPayload{
		Items:    make([]listItem, 0, len(items)),
		Fields:   fields,
		Page:     page,
		PageSize: pageSize,
		Pages:    pages,
		Total:    total,
		Sort:     st.Sort,
		Search:   st.Search,
	}
	payload.Filters, _ = filters.Decode(st.Filters)
	for _, obj := range items {
		row := make([]string, len(fields))
		for i, name := range fields {
			row[i] = cfg.RenderField(obj, name, opts)
		}
		payload.Items = append(payload.Items, listItem{ID: cfg.ID(obj), RowData: row})
	}
	return payload, nil
}

type columnView struct {
	Name    string            `json:"name"`
	Label   string            `json:"label"`
	Type    string            `json:"type"`
	Choices []registry.Choice `json:"choices,omitempty"`
}

type listView struct {
	Alias         string
	Title         string
	AjaxURL       string
	DownloadURL   string
	ChoicesURL    string
	CreateURL     string
	MassUpdateURL string
	MassDeleteURL string
	Fields        []columnView
	Columns       []columnView
	Selected      []string
	PageSize      int
	Sort          string
	Search        string
	Filters       string
	CanAdd        bool
	CanChange     bool
	CanDelete     bool
}

func columns(cfg *registry.Config) []columnView {
	list := cfg.GetListFields()
	out := make([]columnView, 0, list.Len())
	for _, name := range list.Keys() {
		lf, _ := list.Get(name)
		out = append(out, columnView{Name: name, Label: lf.Label, Type: string(lf.Type), Choices: lf.Choices})
	}
	return out
}

func (s *Server) handleListPage(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.model(r)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	if err := s.check(r, permissions.View, cfg, nil); err != nil {
		s.renderError(w, r, err)
		return
	}
	st, err := s.loadListState(w, r, cfg)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	if r.Method == http.MethodPost {
		http.Redirect(w, r, cfg.ListURL(), http.StatusSeeOther)
		return
	}

	all := columns(cfg)
	selected := projection(cfg, st.Fields)
	visible := make([]columnView, 0, len(selected))
	for _, name := range selected {
		for _, c := range all {
			if c.Name == name {
				visible = append(visible, c)
			}
		}
	}
	massURL := fmt.Sprintf("/mass/%s/%s/", cfg.AppLabel, cfg.ModelName)
	s.renderPage(w, r, http.StatusOK, cfg.NamePlural, "list_page", listView{
		Alias:         cfg.Alias(),
		Title:         cfg.NamePlural,
		AjaxURL:       cfg.ListURL() + "ajax/",
		DownloadURL:   cfg.ListURL() + "download/",
		ChoicesURL:    cfg.ListURL() + "choices/",
		CreateURL:     cfg.CreateURL(),
		MassUpdateURL: massURL + "update/",
		MassDeleteURL: massURL + "delete/",
		Fields:        all,
		Columns:       visible,
		Selected:      selected,
		PageSize:      st.PageSize,
		Sort:          st.Sort,
		Search:        st.Search,
		Filters:       st.Filters,
		CanAdd:        s.can(r, permissions.Add, cfg, nil),
		CanChange:     s.can(r, permissions.Change, cfg, nil),
		CanDelete:     s.can(r, permissions.Delete, cfg, nil),
	})
}

func (s *Server) handleListAjax(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.model(r)
	if err != nil {
		failJSON(w, r, err)
		return
	}
	if err := s.check(r, permissions.View, cfg, nil); err != nil {
		failJSON(w, r, err)
		return
	}
	st, err := s.loadListState(w, r, cfg)
	if err != nil {
		failJSON(w, r, err)
		return
	}
	payload, err := s.list(r, cfg, st)
	if err != nil {
		failJSON(w, r, err)
		return
	}
	respondSuccess(w, payload)
}

// handleDownload streams the filtered rows as CSV, or as a zstd
// compressed CSV with format=csv.zst.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.model(r)
	if err != nil {
		failJSON(w, r, err)
		return
	}
	if err := s.check(r, permissions.View, cfg, nil); err != nil {
		failJSON(w, r, err)
		return
	}
	st, err := s.loadListState(w, r, cfg)
	if err != nil {
		failJSON(w, r, err)
		return
	}
	q, err := s.filteredQuery(r, cfg, st.Search, st.Filters)
	if err != nil {
		failJSON(w, r, err)
		return
	}
	q = q.Order(sortColumn(cfg, st.Sort))
	fields := projection(cfg, st.Fields)

	name := cfg.AppLabel + "_" + cfg.ModelName + ".csv"
	compressed := r.Form.Get("format") == "csv.zst"
	if compressed {
		name += ".zst"
		w.Header().Set("Content-Type", "application/zstd")
	} else {
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, name))
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	var out io.Writer = w
	var encoder *zstd.Encoder
	if compressed {
		if encoder, err = zstd.NewWriter(w); err != nil {
			logFailure(r, http.StatusInternalServerError, err)
			return
		}
		out = encoder
	}
	flush := func() {
		if encoder != nil {
			_ = encoder.Flush()
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	if _, err := export.WriteCSV(r.Context(), out, cfg, q, export.CSVOptions{
		Fields: fields,
		Render: s.renderOptions(r),
		Flush:  flush,
	}); err != nil {
		// Headers are gone; the truncated body is all the client gets.
		logFailure(r, http.StatusInternalServerError, err)
	}
	if encoder != nil {
		if err := encoder.Close(); err != nil {
			logFailure(r, http.StatusInternalServerError, err)
		}
	}
}

type filterChoice struct {
	Value any    `json:"value"`
	Label string `json:"label"`
}

// handleFilterChoices lists the values a list column can be filtered on.
func (s *Server) handleFilterChoices(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.model(r)
	if err != nil {
		failJSON(w, r, err)
		return
	}
	if err := s.check(r, permissions.View, cfg, nil); err != nil {
		failJSON(w, r, err)
		return
	}
	name := r.URL.Query().Get("field")
	lf, ok := cfg.GetListFields().Get(name)
	if !ok {
		failJSON(w, r, &notFound{msg: "Unknown field " + name})
		return
	}

	out := []filterChoice{}
	field, _ := cfg.Field(name)
	switch {
	case len(lf.Choices) > 0:
		for _, c := range lf.Choices {
			out = append(out, filterChoice{Value: c.Value, Label: c.Label})
		}
	case lf.Type == registry.TypeBool:
		out = append(out, filterChoice{Value: true, Label: "Yes"}, filterChoice{Value: false, Label: "No"})
	case field != nil && field.Relation != nil && !field.Reverse:
		related, err := s.deps.Site.Models.Raw(field.Relation.FieldSchema.ModelType)
		if err != nil {
			failJSON(w, r, err)
			return
		}
		if !s.can(r, permissions.View, related, nil) {
			break
		}
		var rows []struct {
			ID          uint64
			VerboseName string
		}
		err = related.Query(s.db.WithContext(r.Context())).
			Select("id", "verbose_name").
			Order("verbose_name").
			Limit(filterChoicesLimit).
			Find(&rows).Error
		if err != nil {
			failJSON(w, r, err)
			return
		}
		for _, row := range rows {
			out = append(out, filterChoice{Value: row.ID, Label: row.VerboseName})
		}
	}
	respondSuccess(w, out)
}
