package server

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/renderer/html"

	"github.com/TobiSchelling/newsposter/internal/dedup"
	"github.com/TobiSchelling/newsposter/internal/news"
)

//go:embed templates/*.html
var templateFS embed.FS

// Telegram text keeps its line breaks, so render soft breaks as <br>.
var md = goldmark.New(goldmark.WithRendererOptions(html.WithHardWraps()))

const historyLimit = 50

// History is the read side of a dedup store.
type History interface {
	Stats(ctx context.Context) (dedup.Stats, error)
	RecentDeliveries(ctx context.Context, limit int) ([]dedup.Record, error)
}

// RunHistory is implemented by stores that keep run reports.
type RunHistory interface {
	RecentRuns(ctx context.Context, limit int) ([]news.RunReport, error)
}

// Previewer produces the message blocks the next run would send.
type Previewer func(ctx context.Context) ([]string, error)

// Server is the local HTTP server for delivery history and digest previews.
type Server struct {
	history History
	preview Previewer
	pages   map[string]*template.Template
	mux     *http.ServeMux
}

// New creates a new Server. preview may be nil, which disables /preview.
func New(history History, preview Previewer) (*Server, error) {
	funcMap := template.FuncMap{
		"markdown": renderMarkdown,
		"datetime": func(t time.Time) string {
			if t.IsZero() {
				return "-"
			}
			return t.Local().Format("2006-01-02 15:04")
		},
	}

	base, err := template.New("base.html").Funcs(funcMap).ParseFS(templateFS, "templates/base.html")
	if err != nil {
		return nil, fmt.Errorf("parsing base template: %w", err)
	}

	// Each page gets its own clone of base so it can define "title" and
	// "content" independently.
	pageNames := []string{"index.html", "preview.html"}
	pages := make(map[string]*template.Template, len(pageNames))
	for _, name := range pageNames {
		clone, err := base.Clone()
		if err != nil {
			return nil, fmt.Errorf("cloning base for %s: %w", name, err)
		}
		if _, err := clone.ParseFS(templateFS, "templates/"+name); err != nil {
			return nil, fmt.Errorf("parsing template %s: %w", name, err)
		}
		pages[name] = clone
	}

	s := &Server{history: history, preview: preview, pages: pages, mux: http.NewServeMux()}
	s.routes()
	return s, nil
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /{$}", s.handleIndex)
	s.mux.HandleFunc("GET /preview", s.handlePreview)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	stats, err := s.history.Stats(ctx)
	if err != nil {
		slog.Error("loading store stats", "err", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	deliveries, err := s.history.RecentDeliveries(ctx, historyLimit)
	if err != nil {
		slog.Error("loading deliveries", "err", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	var runs []news.RunReport
	rh, hasRuns := s.history.(RunHistory)
	if hasRuns {
		if runs, err = rh.RecentRuns(ctx, 10); err != nil {
			slog.Warn("loading run reports", "err", err)
		}
	}

	s.render(w, "index.html", map[string]any{
		"Stats":      stats,
		"Deliveries": deliveries,
		"Runs":       runs,
		"HasRuns":    hasRuns,
		"CanPreview": s.preview != nil,
	})
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	if s.preview == nil {
		http.NotFound(w, r)
		return
	}

	blocks, err := s.preview(r.Context())
	data := map[string]any{"Blocks": blocks}
	if err != nil {
		slog.Warn("preview run failed", "err", err)
		data["Error"] = err.Error()
		w.WriteHeader(http.StatusBadGateway)
	}
	s.render(w, "preview.html", data)
}

func (s *Server) render(w http.ResponseWriter, name string, data any) {
	tmpl, ok := s.pages[name]
	if !ok {
		slog.Error("template not found", "template", name)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "base.html", data); err != nil {
		slog.Error("rendering template", "template", name, "err", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	buf.WriteTo(w)
}

func renderMarkdown(text string) template.HTML {
	var buf bytes.Buffer
	if err := md.Convert([]byte(text), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(text))
	}
	return template.HTML(buf.String()) //nolint: gosec
}

// Serve listens on localhost until ctx is cancelled.
func Serve(ctx context.Context, history History, preview Previewer, port int) error {
	srv, err := New(history, preview)
	if err != nil {
		return err
	}

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpSrv.Shutdown(shutdownCtx)
	}()

	slog.Info("server listening", "url", "http://"+httpSrv.Addr)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
