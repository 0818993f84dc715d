package web

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/sessions"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"trionyx/pkg/audit"
	"trionyx/pkg/cache"
	"trionyx/pkg/core"
	"trionyx/pkg/db/dbtest"
	"trionyx/pkg/models"
	"trionyx/pkg/renderer"
	"trionyx/pkg/site"
	"trionyx/pkg/tasks"
	"trionyx/pkg/utils"
)

type Contact struct {
	models.BaseEntity
	Name  string `gorm:"type:text;not null"`
	Email string `gorm:"type:text"`
}

type crmApp struct{}

func (crmApp) Label() string { return "crm" }
func (crmApp) Models() []any { return []any{&Contact{}} }

type memPublisher struct {
	mu       sync.Mutex
	subjects []string
	msgs     []tasks.Message
}

func (p *memPublisher) Publish(_ context.Context, subject string, v any, _ map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	if msg, ok := v.(tasks.Message); ok {
		p.msgs = append(p.msgs, msg)
	}
	return nil
}

type fixture struct {
	t      *testing.T
	srv    *Server
	h      http.Handler
	db     *gorm.DB
	pub    *memPublisher
	admin  *models.User
	viewer *models.User
}

const testPassword = "correct horse battery"

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := dbtest.Open(t, &Contact{})
	st := site.New(db, renderer.New(utils.DefaultLocale))
	if err := st.Load(site.Options{AutoMenu: true, AutoTabs: true}, core.App{}, crmApp{}); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := st.Models.Install(db); err != nil {
		t.Fatal(err)
	}
	if err := audit.New(st.Models, zerolog.Nop()).Install(db); err != nil {
		t.Fatal(err)
	}

	f := &fixture{t: t, db: db, pub: &memPublisher{}}
	runtime := tasks.NewRuntime(db, st.Models, st.Tasks, f.pub, cache.NewMemory(), zerolog.Nop(), tasks.Options{})
	srv, err := New(Deps{
		Site:     st,
		Tasks:    runtime,
		Sessions: sessions.NewCookieStore([]byte("0123456789abcdef0123456789abcdef")),
		Logger:   zerolog.Nop(),
	}, Options{SigningKey: []byte("test-signing-key"), TokenRateLimit: 1000})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	f.srv = srv
	f.h = srv.Routes()
	f.admin = f.user("admin@example.com", true)
	f.viewer = f.user("viewer@example.com", false)
	return f
}

func (f *fixture) user(email string, superuser bool) *models.User {
	f.t.Helper()
	u := &models.User{Email: models.Email(email), IsActive: true, IsSuperuser: superuser}
	if err := u.SetPassword(testPassword); err != nil {
		f.t.Fatal(err)
	}
	if err := f.db.Create(u).Error; err != nil {
		f.t.Fatal(err)
	}
	return u
}

func (f *fixture) contact(name, email string) *Contact {
	f.t.Helper()
	c := &Contact{Name: name, Email: email}
	if err := f.db.Create(c).Error; err != nil {
		f.t.Fatal(err)
	}
	return c
}

// request runs one request as user; a nil user is anonymous.
func (f *fixture) request(user *models.User, method, path, contentType string, body io.Reader) *httptest.ResponseRecorder {
	f.t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if user != nil {
		token, err := f.srv.issueToken(user, tokenAccess, time.Minute)
		if err != nil {
			f.t.Fatal(err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) form(user *models.User, path string, values url.Values) *httptest.ResponseRecorder {
	return f.request(user, http.MethodPost, path, "application/x-www-form-urlencoded", strings.NewReader(values.Encode()))
}

func (f *fixture) sendJSON(user *models.User, method, path string, payload any) *httptest.ResponseRecorder {
	f.t.Helper()
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			f.t.Fatal(err)
		}
		body = bytes.NewReader(raw)
	}
	return f.request(user, method, path, "application/json", body)
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestListAjaxFilters(t *testing.T) {
	f := newFixture(t)
	f.user("info@ex.com", false)
	f.user("other@ex.com", false)

	filter := `[{"field":"email","operator":"==","value":"info@ex.com"}]`
	rec := f.form(f.admin, "/model/trionyx/user/ajax/", url.Values{"filters": {filter}})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	got := decode[struct {
		Status string      `json:"status"`
		Data   listPayload `json:"data"`
	}](t, rec)
	if got.Status != statusSuccess || got.Data.Total != 1 || len(got.Data.Items) != 1 {
		t.Fatalf("payload = %+v", got)
	}

	rec = f.form(f.admin, "/model/trionyx/user/ajax/", url.Values{"filters": {`[{"field":"nope","operator":"==","value":1}]`}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown filter field status = %d", rec.Code)
	}
}

func TestListPagination(t *testing.T) {
	f := newFixture(t)
	for i := 1; i <= 5; i++ {
		f.contact("Contact "+strconv.Itoa(i), "")
	}
	token, err := f.srv.issueToken(f.admin, tokenAccess, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	// Each step reuses the session cookie of the previous one.
	var cookies []*http.Cookie
	tests := []struct {
		name      string
		values    url.Values
		wantPage  int
		wantPages int
		wantItems int
	}{
		{name: "last page", values: url.Values{"page_size": {"2"}, "page": {"3"}}, wantPage: 3, wantPages: 3, wantItems: 1},
		{name: "page zero", values: url.Values{"page": {"0"}}, wantPage: 1, wantPages: 3, wantItems: 2},
		{name: "kept in session", values: url.Values{}, wantPage: 1, wantPages: 3, wantItems: 2},
		{name: "beyond last page", values: url.Values{"page": {"99"}}, wantPage: 3, wantPages: 3, wantItems: 1},
		{name: "negative page", values: url.Values{"page": {"-4"}}, wantPage: 1, wantPages: 3, wantItems: 2},
		{name: "not a number", values: url.Values{"page": {"two"}}, wantPage: 1, wantPages: 3, wantItems: 2},
		{name: "rows fit one page", values: url.Values{"page_size": {"10"}, "page": {"2"}}, wantPage: 1, wantPages: 1, wantItems: 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/model/crm/contact/ajax/", strings.NewReader(tt.values.Encode()))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			req.Header.Set("Authorization", "Bearer "+token)
			for _, c := range cookies {
				req.AddCookie(c)
			}
			rec := httptest.NewRecorder()
			f.h.ServeHTTP(rec, req)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
			}
			if set := rec.Result().Cookies(); len(set) > 0 {
				cookies = set
			}
			got := decode[struct {
				Data listPayload `json:"data"`
			}](t, rec).Data
			if got.Page != tt.wantPage || got.Pages != tt.wantPages || len(got.Items) != tt.wantItems {
				t.Fatalf("page %d of %d with %d items, want %d of %d with %d",
					got.Page, got.Pages, len(got.Items), tt.wantPage, tt.wantPages, tt.wantItems)
			}
		})
	}
}

func TestEditWritesAuditEntry(t *testing.T) {
	f := newFixture(t)
	c := f.contact("Ada", "ada@example.com")
	path := "/model/crm/contact/" + strconv.FormatUint(c.ID, 10) + "/edit/"

	rec := f.form(f.admin, path, url.Values{"name": {"Ada Lovelace"}, "email": {"ada@example.com"}})
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if loc := rec.Header().Get("Location"); loc != "/model/crm/contact/"+strconv.FormatUint(c.ID, 10)+"/" {
		t.Errorf("redirect = %q", loc)
	}

	var entry models.AuditLogEntry
	err := f.db.Where("content_type = ? AND object_id = ? AND action = ?", "crm.contact", c.ID, models.ActionChanged).
		Take(&entry).Error
	if err != nil {
		t.Fatalf("audit entry: %v", err)
	}
	if entry.UserID == nil || *entry.UserID != f.admin.ID {
		t.Errorf("audit user = %v, want %d", entry.UserID, f.admin.ID)
	}
	if got := entry.Changes.Data()["name"]; got != [2]string{"Ada", "Ada Lovelace"} {
		t.Errorf("name change = %v", got)
	}
}

func TestDialogForm(t *testing.T) {
	f := newFixture(t)

	rec := f.request(f.admin, http.MethodGet, "/dialog/model/crm/contact/create/", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET status = %d", rec.Code)
	}
	got := decode[dialogResponse](t, rec)
	if got.Content == "" || got.Success {
		t.Errorf("GET dialog = %+v", got)
	}

	rec = f.form(f.admin, "/dialog/model/crm/contact/create/", url.Values{"name": {"Grace"}})
	got = decode[dialogResponse](t, rec)
	if !got.Success || !got.Close || !strings.HasPrefix(got.RedirectURL, "/model/crm/contact/") {
		t.Errorf("POST dialog = %+v", got)
	}
}

func TestUnknownTab(t *testing.T) {
	f := newFixture(t)
	c := f.contact("Ada", "")

	rec := f.request(f.admin, http.MethodGet, "/model/crm/contact/"+strconv.FormatUint(c.ID, 10)+"/tab/?tab=nope", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := decode[asyncResponse](t, rec); got.Status != statusError {
		t.Errorf("envelope = %+v", got)
	}
}

func TestAuthentication(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name     string
		path     string
		status   int
		location string
	}{
		{"page redirects", "/model/crm/contact/", http.StatusFound, "/login/?next=%2Fmodel%2Fcrm%2Fcontact%2F"},
		{"api rejects", "/api/crm/contact/", http.StatusUnauthorized, ""},
		{"ajax rejects", "/model/crm/contact/ajax/", http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.request(nil, http.MethodGet, tt.path, "", nil)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			if got := rec.Header().Get("Location"); got != tt.location {
				t.Errorf("location = %q, want %q", got, tt.location)
			}
		})
	}
}

func TestSessionLogin(t *testing.T) {
	f := newFixture(t)

	rec := f.form(nil, "/login/", url.Values{"email": {"wrong@example.com"}, "password": {testPassword}})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad login status = %d", rec.Code)
	}

	rec = f.form(nil, "/login/", url.Values{
		"email":    {"ADMIN@example.com"},
		"password": {testPassword},
		"next":     {"/dashboard/"},
	})
	if rec.Code != http.StatusFound || rec.Header().Get("Location") != "/dashboard/" {
		t.Fatalf("login = %d %q", rec.Code, rec.Header().Get("Location"))
	}
	cookies := rec.Result().Cookies()
	if len(cookies) == 0 {
		t.Fatal("no session cookie")
	}

	req := httptest.NewRequest(http.MethodGet, "/dashboard/", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	out := httptest.NewRecorder()
	f.h.ServeHTTP(out, req)
	if out.Code != http.StatusOK {
		t.Fatalf("dashboard with session status = %d", out.Code)
	}

	var user models.User
	if err := f.db.First(&user, f.admin.ID).Error; err != nil {
		t.Fatal(err)
	}
	if user.LastOnline == nil {
		t.Error("last online not stamped")
	}
}

func TestTokens(t *testing.T) {
	f := newFixture(t)

	rec := f.sendJSON(nil, http.MethodPost, "/api-token-auth/", credentials{Email: "admin@example.com", Password: "nope"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad credentials status = %d", rec.Code)
	}

	rec = f.sendJSON(nil, http.MethodPost, "/api-token-auth/", credentials{Email: "admin@example.com", Password: testPassword})
	if rec.Code != http.StatusOK {
		t.Fatalf("auth status = %d, body %s", rec.Code, rec.Body)
	}
	pair := decode[map[string]string](t, rec)
	if pair["access"] == "" || pair["refresh"] == "" {
		t.Fatalf("tokens = %v", pair)
	}

	rec = f.sendJSON(nil, http.MethodPost, "/api-token-refresh/", map[string]string{"refresh": pair["access"]})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("refresh with access token status = %d", rec.Code)
	}
	rec = f.sendJSON(nil, http.MethodPost, "/api-token-refresh/", map[string]string{"refresh": pair["refresh"]})
	if rec.Code != http.StatusOK || decode[map[string]string](t, rec)["access"] == "" {
		t.Errorf("refresh status = %d", rec.Code)
	}

	rec = f.sendJSON(nil, http.MethodPost, "/api-token-verify/", map[string]string{"token": pair["access"]})
	if rec.Code != http.StatusOK {
		t.Errorf("verify status = %d", rec.Code)
	}
	rec = f.sendJSON(nil, http.MethodPost, "/api-token-verify/", map[string]string{"token": pair["access"] + "x"})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("verify tampered status = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/crm/contact/", nil)
	req.Header.Set("Authorization", "Bearer "+pair["refresh"])
	out := httptest.NewRecorder()
	f.h.ServeHTTP(out, req)
	if out.Code != http.StatusUnauthorized {
		t.Errorf("refresh token as bearer status = %d", out.Code)
	}
}

func TestRESTLifecycle(t *testing.T) {
	f := newFixture(t)

	rec := f.sendJSON(f.admin, http.MethodPost, "/api/crm/contact/", map[string]any{"email": "x@example.com"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing name status = %d", rec.Code)
	}
	if errs := decode[map[string][]string](t, rec); len(errs["name"]) == 0 {
		t.Errorf("errors = %v", errs)
	}

	rec = f.sendJSON(f.admin, http.MethodPost, "/api/crm/contact/", map[string]any{"name": "Ada", "email": "ada@example.com", "id": 99})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body)
	}
	created := decode[map[string]any](t, rec)
	id := uint64(created["id"].(float64))
	if id == 99 || created["verbose_name"] == "" {
		t.Errorf("created = %v", created)
	}
	f.contact("Grace", "grace@example.com")

	rec = f.request(f.admin, http.MethodGet, "/api/crm/contact/?name=Ada", "", nil)
	page := decode[apiPage](t, rec)
	if page.Count != 1 || len(page.Results) != 1 || page.Results[0]["name"] != "Ada" {
		t.Errorf("filtered list = %+v", page)
	}

	rec = f.request(f.admin, http.MethodGet, "/api/crm/contact/?_limit=1&_ordering=-name", "", nil)
	page = decode[apiPage](t, rec)
	if page.Count != 2 || len(page.Results) != 1 || page.Results[0]["name"] != "Grace" || page.Next == nil || page.Previous != nil {
		t.Errorf("paged list = %+v", page)
	}

	for _, query := range []string{"?name__like=A", "?missing=1", "?_ordering=nope", "?_limit=-1"} {
		rec = f.request(f.admin, http.MethodGet, "/api/crm/contact/"+query, "", nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s status = %d", query, rec.Code)
		}
	}
	rec = f.request(f.admin, http.MethodGet, "/api/crm/contact/?name__like=A&missing=1", "", nil)
	if got := decode[struct {
		Errors []string `json:"errors"`
	}](t, rec); rec.Code != http.StatusBadRequest || len(got.Errors) != 2 {
		t.Errorf("combined filter errors = %d %v", rec.Code, got.Errors)
	}

	detail := "/api/crm/contact/" + strconv.FormatUint(id, 10) + "/"
	rec = f.sendJSON(f.admin, http.MethodPatch, detail, map[string]any{"email": "lovelace@example.com"})
	if rec.Code != http.StatusOK {
		t.Fatalf("patch status = %d, body %s", rec.Code, rec.Body)
	}
	if got := decode[map[string]any](t, rec); got["name"] != "Ada" || got["email"] != "lovelace@example.com" {
		t.Errorf("patched = %v", got)
	}
	rec = f.sendJSON(f.admin, http.MethodPut, detail, map[string]any{"email": "only@example.com"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("put without name status = %d", rec.Code)
	}

	rec = f.request(f.admin, http.MethodDelete, detail, "", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	rec = f.request(f.admin, http.MethodGet, detail, "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d", rec.Code)
	}
	var stored Contact
	if err := f.db.First(&stored, id).Error; err != nil || !stored.Deleted {
		t.Errorf("soft delete: stored = %+v, err %v", stored, err)
	}
}

func TestRESTOptions(t *testing.T) {
	f := newFixture(t)

	rec := f.request(f.admin, http.MethodOptions, "/api/crm/contact/", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	got := decode[struct {
		Name    string                             `json:"name"`
		Actions map[string]map[string]apiFieldInfo `json:"actions"`
	}](t, rec)
	post := got.Actions[http.MethodPost]
	if got.Name != "Contacts" || !post["name"].Required || !post["id"].ReadOnly {
		t.Errorf("options = %+v", got)
	}

	rec = f.request(f.viewer, http.MethodOptions, "/api/crm/contact/", "", nil)
	if decode[map[string]any](t, rec)["actions"] != nil {
		t.Error("actions offered without add permission")
	}
}

func TestPermissionDenied(t *testing.T) {
	f := newFixture(t)
	c := f.contact("Ada", "")
	id := strconv.FormatUint(c.ID, 10)

	tests := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/crm/contact/"},
		{http.MethodGet, "/api/crm/contact/" + id + "/"},
		{http.MethodDelete, "/api/crm/contact/" + id + "/"},
		{http.MethodGet, "/model/crm/contact/"},
		{http.MethodGet, "/model/crm/contact/" + id + "/"},
		{http.MethodGet, "/auditlog/"},
		{http.MethodGet, "/logs/"},
		{http.MethodGet, "/variables/"},
		{http.MethodPost, "/mass/crm/contact/delete/"},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := f.request(f.viewer, tt.method, tt.path, "", nil)
			if rec.Code != http.StatusForbidden {
				t.Fatalf("status = %d, want 403", rec.Code)
			}
		})
	}
}

func TestMassUpdateQueuesTask(t *testing.T) {
	f := newFixture(t)
	a, b := f.contact("Ada", ""), f.contact("Grace", "")
	f.contact("Linus", "")

	ids := strconv.FormatUint(a.ID, 10) + "," + strconv.FormatUint(b.ID, 10)
	rec := f.form(f.admin, "/mass/crm/contact/update/", url.Values{
		"ids":          {ids},
		"email":        {"team@example.com"},
		"update_email": {"on"},
		"name":         {"ignored"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	got := decode[struct {
		Status string            `json:"status"`
		Data   map[string]string `json:"data"`
	}](t, rec)
	if got.Status != statusSuccess || got.Data["task_id"] == "" {
		t.Fatalf("response = %+v", got)
	}

	if len(f.pub.msgs) != 1 {
		t.Fatalf("published %d messages", len(f.pub.msgs))
	}
	msg := f.pub.msgs[0]
	if msg.Name != tasks.MassUpdateName || msg.Args.String("ids") != ids {
		t.Errorf("message = %+v", msg)
	}
	if want := map[string]any{"email": "team@example.com"}; !reflect.DeepEqual(msg.Args.Map("data"), want) {
		t.Errorf("data = %v, want %v", msg.Args.Map("data"), want)
	}

	var record models.TaskRecord
	if err := f.db.Where("task_id = ?", got.Data["task_id"]).Take(&record).Error; err != nil {
		t.Fatal(err)
	}
	if record.ObjectType != "crm.contact" || record.UserID == nil || *record.UserID != f.admin.ID {
		t.Errorf("record = %+v", record)
	}
}

func TestMassDelete(t *testing.T) {
	f := newFixture(t)
	a := f.contact("Ada", "")
	f.contact("Grace", "")

	rec := f.form(f.admin, "/mass/crm/contact/delete/", url.Values{"ids": {strconv.FormatUint(a.ID, 10)}})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var live int64
	if err := f.db.Model(&Contact{}).Where("deleted = ?", false).Count(&live).Error; err != nil {
		t.Fatal(err)
	}
	if live != 1 {
		t.Errorf("live contacts = %d, want 1", live)
	}
}

func TestDashboard(t *testing.T) {
	f := newFixture(t)

	rec := f.sendJSON(f.admin, http.MethodPost, "/dashboard/", []map[string]any{{"code": "auditlog", "position": 1}})
	if rec.Code != http.StatusOK {
		t.Fatalf("save status = %d, body %s", rec.Code, rec.Body)
	}
	rec = f.request(f.admin, http.MethodGet, "/dashboard/", "", nil)
	got := decode[struct {
		Data []map[string]any `json:"data"`
	}](t, rec)
	if len(got.Data) != 1 || got.Data[0]["code"] != "auditlog" || got.Data[0]["id"] == "" {
		t.Fatalf("dashboard = %+v", got)
	}

	rec = f.request(f.admin, http.MethodGet, "/dashboard/"+got.Data[0]["id"].(string)+"/data/", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("widget data status = %d", rec.Code)
	}
	rec = f.request(f.admin, http.MethodGet, "/dashboard/missing/data/", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing widget status = %d", rec.Code)
	}
	rec = f.sendJSON(f.admin, http.MethodPost, "/dashboard/", []map[string]any{{"code": "nope"}})
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown widget status = %d", rec.Code)
	}
}

func TestGlobalSearch(t *testing.T) {
	f := newFixture(t)
	f.user("needle@example.com", false)

	rec := f.request(f.admin, http.MethodGet, "/search/?q=needle", "", nil)
	got := decode[struct {
		Data []map[string]any `json:"data"`
	}](t, rec)
	if len(got.Data) != 1 || got.Data[0]["content_type"] != "trionyx.user" {
		t.Errorf("admin results = %+v", got.Data)
	}

	rec = f.request(f.viewer, http.MethodGet, "/search/?q=needle", "", nil)
	got = decode[struct {
		Data []map[string]any `json:"data"`
	}](t, rec)
	if len(got.Data) != 0 {
		t.Errorf("viewer sees %+v", got.Data)
	}
}

func TestOpenAPI(t *testing.T) {
	f := newFixture(t)

	rec := f.request(nil, http.MethodGet, "/openapi", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	doc := decode[struct {
		Paths      map[string]map[string]any `json:"paths"`
		TagGroups  []map[string]any          `json:"x-tagGroups"`
		Components struct {
			SecuritySchemes map[string]any `json:"securitySchemes"`
		} `json:"components"`
	}](t, rec)

	if _, ok := doc.Paths["/api/crm/contact/"]["post"]; !ok {
		t.Error("contact create missing")
	}
	if _, ok := doc.Paths["/api/trionyx/user/{pk}/"]["patch"]; !ok {
		t.Error("user partial update missing")
	}
	if len(doc.TagGroups) != 2 {
		t.Errorf("tag groups = %v", doc.TagGroups)
	}
	if _, ok := doc.Components.SecuritySchemes["bearerAuth"]; !ok {
		t.Error("bearer scheme missing")
	}
	samples, _ := doc.Paths["/api/crm/contact/"]["get"].(map[string]any)["x-codeSamples"].([]any)
	if len(samples) != 2 {
		t.Errorf("code samples = %v", samples)
	}

	rec = f.request(nil, http.MethodGet, "/openapi?format=yaml", "", nil)
	if !strings.HasPrefix(rec.Header().Get("Content-Type"), "application/yaml") || !strings.Contains(rec.Body.String(), "openapi: 3.0.3") {
		t.Errorf("yaml document = %.80s", rec.Body.String())
	}
}

func TestSafeNext(t *testing.T) {
	tests := map[string]string{
		"":                    "/",
		"/model/crm/contact/": "/model/crm/contact/",
		"//evil.example":      "/",
		"https://evil":        "/",
	}
	for in, want := range tests {
		if got := safeNext(in); got != want {
			t.Errorf("safeNext(%q) = %q, want %q", in, got, want)
		}
	}
}
