package web

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"trionyx/pkg/models"
	"trionyx/pkg/renderer"
	"trionyx/pkg/reqctx"
	"trionyx/pkg/utils"
)

const (
	tokenAccess  = "access"
	tokenRefresh = "refresh"

	sessionUserKey = "user_id"
)

var (
	errBadCredentials = errors.New("no active account found with the given credentials")
	errInvalidToken   = errors.New("token is invalid or expired")
)

type tokenClaims struct {
	UserID    uint64 `json:"user_id"`
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

func (s *Server) issueToken(user *models.User, kind string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := tokenClaims{
		UserID:    user.ID,
		TokenType: kind,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        utils.RandomString(16),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.opts.SigningKey)
}

// parseToken returns the claims of a valid token of the wanted kind.
func (s *Server) parseToken(raw, kind string) (*tokenClaims, error) {
	claims := &tokenClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return s.opts.SigningKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return nil, errInvalidToken
	}
	if kind != "" && claims.TokenType != kind {
		return nil, errInvalidToken
	}
	return claims, nil
}

// activeUser loads an active user by id.
func (s *Server) activeUser(r *http.Request, id uint64) *models.User {
	if id == 0 {
		return nil
	}
	var user models.User
	err := s.db.WithContext(r.Context()).Where("id = ? AND is_active = ?", id, true).Take(&user).Error
	if err != nil {
		return nil
	}
	return &user
}

// resolveUser authenticates a request through a bearer access token or
// the login session.
func (s *Server) resolveUser(r *http.Request) *models.User {
	if auth := r.Header.Get("Authorization"); auth != "" {
		raw, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok {
			return nil
		}
		claims, err := s.parseToken(strings.TrimSpace(raw), tokenAccess)
		if err != nil {
			return nil
		}
		return s.activeUser(r, claims.UserID)
	}
	session, err := s.deps.Sessions.Get(r, sessionName)
	if err != nil {
		return nil
	}
	id, _ := session.Values[sessionUserKey].(uint64)
	return s.activeUser(r, id)
}

// requireUser rejects anonymous requests: pages redirect to the login
// form, JSON endpoints answer 401.
func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reqctx.User(r.Context()) != nil {
			next.ServeHTTP(w, r)
			return
		}
		if wantsJSON(r) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="api"`)
			respondError(w, http.StatusUnauthorized, errUnauthorized)
			return
		}
		http.Redirect(w, r, "/login/?next="+url.QueryEscape(r.URL.RequestURI()), http.StatusFound)
	})
}

// renderOptions returns the value rendering options of the acting user.
func (s *Server) renderOptions(r *http.Request) renderer.Options {
	user := reqctx.User(r.Context())
	if user == nil || (user.Locale == "" && user.Timezone == "") {
		return renderer.Options{}
	}
	base := s.deps.Site.Models.Renderer().Locale()
	locale, err := utils.NewLocale(user.Locale, user.Timezone, base.Currency.String())
	if err != nil {
		zerolog.Ctx(r.Context()).Warn().Err(err).Uint64("user_id", user.ID).Msg("invalid user locale")
		return renderer.Options{}
	}
	return renderer.Options{Locale: &locale}
}

// authenticate checks credentials and stamps the last login time.
func (s *Server) authenticate(r *http.Request, email, password string) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(r.Context()).
		Where("LOWER(email) = ? AND is_active = ?", strings.ToLower(strings.TrimSpace(email)), true).
		Take(&user).Error
	if err != nil || !user.CheckPassword(password) {
		return nil, errBadCredentials
	}
	now := time.Now().UTC()
	if err := s.db.WithContext(r.Context()).Model(&user).UpdateColumn("last_online", now).Error; err != nil {
		return nil, fmt.Errorf("update last online: %w", err)
	}
	user.LastOnline = &now
	return &user, nil
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleTokenAuth(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	user, err := s.authenticate(r, req.Email, req.Password)
	if err != nil {
		if errors.Is(err, errBadCredentials) {
			respondError(w, http.StatusUnauthorized, err)
			return
		}
		failJSON(w, r, err)
		return
	}
	access, err := s.issueToken(user, tokenAccess, s.opts.AccessTokenTTL)
	if err != nil {
		failJSON(w, r, err)
		return
	}
	refresh, err := s.issueToken(user, tokenRefresh, s.opts.RefreshTokenTTL)
	if err != nil {
		failJSON(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"access": access, "refresh": refresh})
}

func (s *Server) handleTokenRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Refresh string `json:"refresh"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	claims, err := s.parseToken(req.Refresh, tokenRefresh)
	if err != nil {
		respondError(w, http.StatusUnauthorized, err)
		return
	}
	user := s.activeUser(r, claims.UserID)
	if user == nil {
		respondError(w, http.StatusUnauthorized, errInvalidToken)
		return
	}
	access, err := s.issueToken(user, tokenAccess, s.opts.AccessTokenTTL)
	if err != nil {
		failJSON(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"access": access})
}

func (s *Server) handleTokenVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if _, err := s.parseToken(req.Token, ""); err != nil {
		respondError(w, http.StatusUnauthorized, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{})
}

type loginView struct {
	Email string
	Next  string
	Error string
}

func (s *Server) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	if reqctx.User(r.Context()) != nil {
		http.Redirect(w, r, safeNext(r.URL.Query().Get("next")), http.StatusFound)
		return
	}
	s.renderPage(w, r, http.StatusOK, "Sign in", "login_page", loginView{Next: r.URL.Query().Get("next")})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.renderError(w, r, err)
		return
	}
	email, next := r.PostForm.Get("email"), r.PostForm.Get("next")
	user, err := s.authenticate(r, email, r.PostForm.Get("password"))
	if err != nil {
		if !errors.Is(err, errBadCredentials) {
			s.renderError(w, r, err)
			return
		}
		s.renderPage(w, r, http.StatusUnauthorized, "Sign in", "login_page", loginView{Email: email, Next: next, Error: err.Error()})
		return
	}

	session, _ := s.deps.Sessions.Get(r, sessionName)
	session.Values = map[any]any{sessionUserKey: user.ID}
	if err := session.Save(r, w); err != nil {
		s.renderError(w, r, err)
		return
	}
	http.Redirect(w, r, safeNext(next), http.StatusFound)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	session, _ := s.deps.Sessions.Get(r, sessionName)
	session.Values = map[any]any{}
	session.Options.MaxAge = -1
	if err := session.Save(r, w); err != nil {
		s.renderError(w, r, err)
		return
	}
	http.Redirect(w, r, "/login/", http.StatusFound)
}

// safeNext only follows local redirects.
func safeNext(next string) string {
	if next == "" || !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") {
		return "/"
	}
	return next
}
