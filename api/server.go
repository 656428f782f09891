/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. CORS:          The desktop shell's webview origin
  2. RequestID:     Unique ID per request, picked up by the request logger
  3. RequestLogger: httplog structured access log (ECS schema)
  4. CleanPath:     Collapses double slashes
  5. Recoverer:     Panic recovery (500 instead of crash)
  6. Heartbeat:     GET /health for the shell's liveness probe

ROUTE GROUPS:
  /api/employees/*    Employees, terms, entries, payments
  /api/rules/*        Versioned commission rules
  /api/entries/*      Void and replace
  /api/periods/*      Lifecycle, results, summaries
  /api/results/*      Computation results
  /api/adjustments    Adjustment ledger
  /api/invoices/*     Issue, render, paid toggle
  /api/reports/*      Year-to-date
  /api/audit          Audit log
  /api/scenarios/*    Demo data
  /api/archive/run    Immediate archive pass
  /*                  Static files (presentation shell), when configured

SECURITY NOTE:
  No authentication. The server binds to loopback and is only reachable by
  the local presentation shell.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httplog/v3"
)

type RouterOptions struct {
	Logger         *slog.Logger
	AllowedOrigins []string
	// StaticDir holds the built presentation shell; empty disables it.
	StaticDir string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	logger := opts.Logger
	if logger == nil {
		logger = h.Log
	}
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Actor"},
		ExposedHeaders: []string{"Content-Disposition"},
		MaxAge:         300,
	}))
	r.Use(middleware.RequestID)
	r.Use(httplog.RequestLogger(logger, &httplog.Options{
		Level:  slog.LevelInfo,
		Schema: httplog.SchemaECS,
	}))
	r.Use(middleware.CleanPath)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/health"))

	r.Route("/api", func(r chi.Router) {
		r.Route("/employees", func(r chi.Router) {
			r.Get("/", h.ListEmployees)
			r.Post("/", h.CreateEmployee)
			r.Get("/{id}", h.GetEmployee)
			r.Post("/{id}/terms", h.AddTerms)
			r.Put("/{id}/active-to", h.SetActiveTo)
			r.Get("/{id}/entries", h.ListEntries)
			r.Post("/{id}/entries", h.RecordEntry)
			r.Get("/{id}/payments", h.ListPayments)
		})

		r.Route("/rules", func(r chi.Router) {
			r.Get("/", h.ListRules)
			r.Post("/", h.CreateRule)
			r.Get("/{id}", h.GetRule)
		})

		r.Route("/entries", func(r chi.Router) {
			r.Get("/{id}", h.GetEntry)
			r.Post("/{id}/void", h.VoidEntry)
			r.Post("/{id}/replace", h.ReplaceEntry)
		})

		r.Route("/periods", func(r chi.Router) {
			r.Get("/", h.ListPeriods)
			r.Post("/", h.CreatePeriod)
			r.Post("/next", h.OpenNextPeriod)
			r.Get("/{id}", h.GetPeriod)
			r.Post("/{id}/compute", h.ComputePeriod)
			r.Post("/{id}/reopen", h.ReopenPeriod)
			r.Post("/{id}/archive", h.ArchivePeriod)
			r.Post("/{id}/reconcile", h.ReconcilePeriod)
			r.Get("/{id}/results", h.PeriodResults)
			r.Get("/{id}/summary", h.PeriodSummary)
			r.Get("/{id}/summary.csv", h.PeriodSummaryCSV)
			r.Post("/{id}/invoices", h.IssueForPeriod)
		})

		r.Get("/results/{id}", h.GetResult)
		r.Get("/adjustments", h.ListAdjustments)

		r.Route("/invoices", func(r chi.Router) {
			r.Get("/", h.ListInvoices)
			r.Post("/", h.IssueInvoice)
			r.Post("/follow-up", h.IssueFollowUp)
			r.Get("/{id}", h.GetInvoice)
			r.Get("/{id}/pdf", h.InvoicePDF)
			r.Get("/{id}/csv", h.InvoiceCSV)
			r.Put("/{id}/paid", h.MarkPaid)
		})

		r.Route("/reports", func(r chi.Router) {
			r.Get("/ytd", h.YearToDate)
			r.Get("/ytd.csv", h.YearToDateCSV)
		})

		r.Get("/audit", h.ListAudit)
		r.Post("/archive/run", h.RunArchive)

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Post("/load", h.LoadScenario)
		})
	})

	if opts.StaticDir != "" {
		mountStatic(r, opts.StaticDir)
	}
	return r
}

// mountStatic serves the shell's build output, falling back to index.html
// for client-side routes.
func mountStatic(r chi.Router, dir string) {
	if _, err := os.Stat(dir); err != nil {
		return
	}
	fileServer := http.FileServer(http.Dir(dir))
	r.Get("/*", func(w http.ResponseWriter, req *http.Request) {
		if _, err := os.Stat(filepath.Join(dir, filepath.Clean(req.URL.Path))); os.IsNotExist(err) {
			http.ServeFile(w, req, filepath.Join(dir, "index.html"))
			return
		}
		fileServer.ServeHTTP(w, req)
	})
}

// NewLogger builds the process logger. JSON output uses the ECS attribute
// names so access logs and application logs share one schema.
func NewLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level:       lvl,
			ReplaceAttr: httplog.SchemaECS.Concise(false).ReplaceAttr,
		}))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
