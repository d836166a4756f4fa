// Package server exposes persisted run directories over HTTP: a run index,
// each run's JSON report, its HTML report and its logs and artifacts.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zen-systems/stagegate/pkg/evidence"
	"github.com/zen-systems/stagegate/pkg/report"
)

// RunSummary is one row of the run index.
type RunSummary struct {
	RunID     string         `json:"run_id"`
	Job       string         `json:"job"`
	Build     int            `json:"build"`
	Branch    string         `json:"branch"`
	StartTime time.Time      `json:"start_time"`
	Outcome   report.Outcome `json:"outcome"`
}

// Server serves run directories found under runsDir.
type Server struct {
	runsDir string
	logger  *slog.Logger
	router  chi.Router
}

// New creates a Server.
func New(runsDir string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{runsDir: runsDir, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/", s.handleIndex)
	r.Get("/api/runs", s.handleListRuns)
	r.Get("/api/runs/{runID}", s.handleGetRun)
	r.Get("/runs/{runID}", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, r.URL.Path+"/", http.StatusMovedPermanently)
	})
	r.Get("/runs/{runID}/*", s.handleRunFiles)

	s.router = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("serving runs", "addr", addr, "runs_dir", s.runsDir)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Runs lists persisted runs, newest first.
func (s *Server) Runs() ([]RunSummary, error) {
	entries, err := os.ReadDir(s.runsDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var runs []RunSummary
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		rep, err := evidence.ReadRun(filepath.Join(s.runsDir, e.Name()))
		if err != nil {
			continue
		}
		runs = append(runs, RunSummary{
			RunID:     e.Name(),
			Job:       rep.Context.JobName,
			Build:     rep.Context.BuildNumber,
			Branch:    rep.Context.Branch,
			StartTime: rep.Context.StartTime,
			Outcome:   rep.Outcome(),
		})
	}
	sort.SliceStable(runs, func(i, j int) bool {
		if !runs[i].StartTime.Equal(runs[j].StartTime) {
			return runs[i].StartTime.After(runs[j].StartTime)
		}
		return runs[i].RunID > runs[j].RunID
	})
	return runs, nil
}

func (s *Server) handleListRuns(w http.ResponseWriter, _ *http.Request) {
	runs, err := s.Runs()
	if err != nil {
		s.logger.Error("list runs failed", "error", err)
		http.Error(w, "cannot list runs", http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []RunSummary{}
	}
	writeJSON(w, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	dir, ok := s.runDir(chi.URLParam(r, "runID"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	rep, err := evidence.ReadRun(dir)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, rep)
}

func (s *Server) handleRunFiles(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	dir, ok := s.runDir(runID)
	if !ok {
		http.NotFound(w, r)
		return
	}
	rest := chi.URLParam(r, "*")
	if rest == "" {
		http.ServeFile(w, r, filepath.Join(dir, evidence.ReportFile))
		return
	}
	http.StripPrefix("/runs/"+runID, http.FileServer(http.Dir(dir))).ServeHTTP(w, r)
}

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>stagegate runs</title></head>
<body><h1>Runs</h1>
<table>
<tr><th>Run</th><th>Job</th><th>Build</th><th>Branch</th><th>Outcome</th></tr>
{{ range . }}<tr><td><a href="/runs/{{ .RunID }}/">{{ .RunID }}</a></td><td>{{ .Job }}</td><td>#{{ .Build }}</td><td>{{ .Branch }}</td><td>{{ .Outcome }}</td></tr>
{{ else }}<tr><td colspan="5">no runs yet</td></tr>
{{ end }}</table></body></html>
`))

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	runs, err := s.Runs()
	if err != nil {
		http.Error(w, "cannot list runs", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTemplate.Execute(w, runs); err != nil {
		s.logger.Error("render index failed", "error", err)
	}
}

// runDir resolves a run ID to its directory, rejecting anything that is not
// a plain directory name under runsDir.
func (s *Server) runDir(runID string) (string, bool) {
	if runID == "" || runID == "." || runID == ".." || strings.ContainsAny(runID, `/\`) {
		return "", false
	}
	dir := filepath.Join(s.runsDir, runID)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return "", false
	}
	return dir, true
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
