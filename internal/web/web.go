package web

import (
	"context"
	"embed"
	"errors"
	"html/template"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"github.com/local/invoicesplit/internal/orchestrator"
	"github.com/local/invoicesplit/internal/session"
)

//go:embed templates/*.html
var templatesFS embed.FS

const cookieName = "invoicesplit_session"

// Controller is the part of the control surface the dashboard drives.
type Controller interface {
	Status() orchestrator.StatusView
	Pages() ([]orchestrator.PageInfo, error)
	Thumbnail(i int) ([]byte, error)
	Toggle(i int) (bool, error)
	SelectAll() error
	ClearSelection() error
	Export(ctx context.Context, req session.Request) (session.Export, error)
	Scan(ctx context.Context) (string, error)
	LastRun() (*orchestrator.RunResult, bool)
}

// Options configures the dashboard login.
type Options struct {
	Username     string
	PasswordHash string
	SessionTTL   time.Duration
}

// Web is a server-rendered dashboard for the manual workflow.
type Web struct {
	tpl  *template.Template
	ctl  Controller
	opts Options

	mu       sync.Mutex
	sessions map[string]time.Time
}

func New(ctl Controller, opts Options) *Web {
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 12 * time.Hour
	}
	tpl := template.Must(template.New("").Funcs(template.FuncMap{
		"inc": func(i int) int { return i + 1 },
	}).ParseFS(templatesFS, "templates/*.html"))
	return &Web{tpl: tpl, ctl: ctl, opts: opts, sessions: make(map[string]time.Time)}
}

func (w *Web) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /web/login", w.handleLoginForm)
	mux.HandleFunc("POST /web/login", w.handleLogin)
	mux.HandleFunc("POST /web/logout", w.handleLogout)
	mux.HandleFunc("GET /web/{$}", w.requireAuth(w.handleDashboard))
	mux.HandleFunc("GET /web/thumb/{i}", w.requireAuth(w.handleThumb))
	mux.HandleFunc("POST /web/toggle/{i}", w.requireAuth(w.handleToggle))
	mux.HandleFunc("POST /web/select", w.requireAuth(w.handleSelect))
	mux.HandleFunc("POST /web/export", w.requireAuth(w.handleExport))
	mux.HandleFunc("POST /web/scan", w.requireAuth(w.handleScan))
}

func (w *Web) render(wr http.ResponseWriter, name string, data any) {
	wr.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := w.tpl.ExecuteTemplate(wr, name, data); err != nil {
		log.Error().Err(err).Str("template", name).Msg("render failed")
	}
}

func (w *Web) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(wr http.ResponseWriter, r *http.Request) {
		if w.opts.PasswordHash == "" {
			next(wr, r)
			return
		}
		c, err := r.Cookie(cookieName)
		if err != nil || !w.validSession(c.Value) {
			http.Redirect(wr, r, "/web/login", http.StatusSeeOther)
			return
		}
		next(wr, r)
	}
}

func (w *Web) validSession(token string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	exp, ok := w.sessions[token]
	if !ok {
		return false
	}
	if time.Now().After(exp) {
		delete(w.sessions, token)
		return false
	}
	return true
}

func (w *Web) handleLoginForm(wr http.ResponseWriter, r *http.Request) {
	w.render(wr, "login.html", map[string]any{"Error": r.URL.Query().Get("error")})
}

func (w *Web) handleLogin(wr http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Redirect(wr, r, "/web/login?error=invalid+form", http.StatusSeeOther)
		return
	}
	if r.Form.Get("username") != w.opts.Username ||
		bcrypt.CompareHashAndPassword([]byte(w.opts.PasswordHash), []byte(r.Form.Get("password"))) != nil {
		log.Warn().Str("user", r.Form.Get("username")).Msg("dashboard login rejected")
		http.Redirect(wr, r, "/web/login?error=invalid+credentials", http.StatusSeeOther)
		return
	}
	token := uuid.NewString()
	w.mu.Lock()
	w.sessions[token] = time.Now().Add(w.opts.SessionTTL)
	w.mu.Unlock()
	http.SetCookie(wr, &http.Cookie{Name: cookieName, Value: token, Path: "/web/", HttpOnly: true, SameSite: http.SameSiteStrictMode})
	http.Redirect(wr, r, "/web/", http.StatusSeeOther)
}

func (w *Web) handleLogout(wr http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(cookieName); err == nil {
		w.mu.Lock()
		delete(w.sessions, c.Value)
		w.mu.Unlock()
	}
	http.SetCookie(wr, &http.Cookie{Name: cookieName, Value: "", Path: "/web/", MaxAge: -1})
	http.Redirect(wr, r, "/web/login", http.StatusSeeOther)
}

func (w *Web) handleDashboard(wr http.ResponseWriter, r *http.Request) {
	data := map[string]any{
		"Status":  w.ctl.Status(),
		"Message": r.URL.Query().Get("msg"),
		"Error":   r.URL.Query().Get("error"),
	}
	if pages, err := w.ctl.Pages(); err == nil {
		data["Pages"] = pages
	}
	if run, ok := w.ctl.LastRun(); ok {
		data["Run"] = run
	}
	w.render(wr, "dashboard.html", data)
}

func back(wr http.ResponseWriter, r *http.Request, key, msg string) {
	http.Redirect(wr, r, "/web/?"+url.Values{key: {msg}}.Encode(), http.StatusSeeOther)
}

func (w *Web) handleThumb(wr http.ResponseWriter, r *http.Request) {
	i, err := strconv.Atoi(r.PathValue("i"))
	if err != nil {
		http.NotFound(wr, r)
		return
	}
	png, err := w.ctl.Thumbnail(i)
	if err != nil {
		if errors.Is(err, orchestrator.ErrNotReady) {
			wr.WriteHeader(http.StatusAccepted)
			return
		}
		http.NotFound(wr, r)
		return
	}
	wr.Header().Set("Content-Type", "image/png")
	wr.Header().Set("Cache-Control", "no-store")
	_, _ = wr.Write(png)
}

func (w *Web) handleToggle(wr http.ResponseWriter, r *http.Request) {
	i, err := strconv.Atoi(r.PathValue("i"))
	if err == nil {
		_, err = w.ctl.Toggle(i)
	}
	if err != nil {
		back(wr, r, "error", err.Error())
		return
	}
	http.Redirect(wr, r, "/web/", http.StatusSeeOther)
}

func (w *Web) handleSelect(wr http.ResponseWriter, r *http.Request) {
	var err error
	if r.FormValue("all") == "1" {
		err = w.ctl.SelectAll()
	} else {
		err = w.ctl.ClearSelection()
	}
	if err != nil {
		back(wr, r, "error", err.Error())
		return
	}
	http.Redirect(wr, r, "/web/", http.StatusSeeOther)
}

func (w *Web) handleExport(wr http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		back(wr, r, "error", "invalid form")
		return
	}
	e, err := w.ctl.Export(r.Context(), session.Request{
		Code:   r.Form.Get("code"),
		Year:   r.Form.Get("year"),
		Client: r.Form.Get("client"),
		Other:  r.Form.Get("other"),
	})
	if err != nil {
		back(wr, r, "error", err.Error())
		return
	}
	back(wr, r, "msg", "Saved "+e.Path)
}

func (w *Web) handleScan(wr http.ResponseWriter, r *http.Request) {
	job, err := w.ctl.Scan(r.Context())
	if err != nil {
		back(wr, r, "error", err.Error())
		return
	}
	back(wr, r, "msg", "Automatic run started: "+job)
}
