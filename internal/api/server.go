// Package api exposes the usage-analytics reader over REST.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kamilkisiela/graphql-hive-sub003/internal/ingest"
	"github.com/kamilkisiela/graphql-hive-sub003/internal/reader"
)

// Analytics is the part of the reader the API serves. Satisfied by
// *reader.Reader.
type Analytics interface {
	CountRequests(ctx context.Context, selector reader.TargetSelector, period reader.DateRange, filter reader.Filter) (reader.RequestCounts, error)
	CountUniqueOperations(ctx context.Context, selector reader.TargetSelector, period reader.DateRange, filter reader.Filter) (uint64, error)
	CountClientVersions(ctx context.Context, selector reader.TargetSelector, period reader.DateRange, clientName string) (uint64, error)
	HasCollectedOperations(ctx context.Context, selector reader.TargetSelector) (bool, error)
	DurationPercentiles(ctx context.Context, selector reader.TargetSelector, period reader.DateRange, filter reader.Filter) (map[string]reader.Percentiles, error)
	GeneralDurationPercentiles(ctx context.Context, selector reader.TargetSelector, period reader.DateRange, filter reader.Filter) (reader.Percentiles, error)
	RequestsOverTime(ctx context.Context, selector reader.TargetSelector, period reader.DateRange, resolution int, filter reader.Filter) ([]reader.RequestPoint, error)
	FailuresOverTime(ctx context.Context, selector reader.TargetSelector, period reader.DateRange, resolution int, filter reader.Filter) ([]reader.FailurePoint, error)
	DurationOverTime(ctx context.Context, selector reader.TargetSelector, period reader.DateRange, resolution int, filter reader.Filter) ([]reader.DurationPoint, error)
	ClientBreakdown(ctx context.Context, selector reader.TargetSelector, period reader.DateRange) ([]reader.ClientCount, error)
	ClientVersionBreakdown(ctx context.Context, selector reader.TargetSelector, period reader.DateRange, clientName string, limit int) ([]reader.ClientVersionCount, error)
	TopOperationsForCoordinate(ctx context.Context, selector reader.TargetSelector, period reader.DateRange, coordinate string, limit int) ([]reader.OperationStat, error)
	TopClientsForCoordinate(ctx context.Context, selector reader.TargetSelector, period reader.DateRange, coordinate string, limit int) ([]reader.ClientStat, error)
}

// Ingestor buffers reported usage rows for bulk insertion. Satisfied by
// *ingest.Writer.
type Ingestor interface {
	AddOperation(row ingest.OperationRow) error
	AddCollected(row ingest.CollectedOperationRow) error
}

// Pinger reports store reachability for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the REST API server.
type Server struct {
	analytics Analytics
	writer    Ingestor
	pinger    Pinger
	logger    *slog.Logger
	router    *chi.Mux
	server    *http.Server
}

// NewServer builds the server and its routes.
func NewServer(addr string, analytics Analytics, writer Ingestor, pinger Pinger, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		analytics: analytics,
		writer:    writer,
		pinger:    pinger,
		logger:    logger,
		router:    chi.NewRouter(),
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Post("/operations", s.reportOperations)

		r.Get("/requests/count", s.countRequests)
		r.Get("/requests/over-time", s.requestsOverTime)
		r.Get("/failures/over-time", s.failuresOverTime)

		r.Get("/operations/count", s.countUniqueOperations)
		r.Get("/operations/collected", s.hasCollectedOperations)
		r.Get("/operations/duration", s.durationPercentiles)

		r.Get("/duration/percentiles", s.generalDurationPercentiles)
		r.Get("/duration/over-time", s.durationOverTime)

		r.Get("/clients", s.clientBreakdown)
		r.Get("/clients/{name}/versions", s.clientVersionBreakdown)
		r.Get("/clients/{name}/versions/count", s.countClientVersions)

		r.Get("/coordinates/{coordinate}/operations", s.topOperationsForCoordinate)
		r.Get("/coordinates/{coordinate}/clients", s.topClientsForCoordinate)
	})

	s.server = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}
	return s
}

// Handler exposes the router, for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start starts the API server.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the API server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// readRequest is the decoded common query surface: selector, period, and
// the optional filter and shape knobs.
type readRequest struct {
	selector   reader.TargetSelector
	period     reader.DateRange
	filter     reader.Filter
	resolution int
	limit      int
}

// parseReadRequest decodes the shared query parameters. Targets and
// filter lists use repeated parameters; from/to are RFC 3339.
func parseReadRequest(r *http.Request) (readRequest, error) {
	q := r.URL.Query()

	req := readRequest{
		selector: reader.TargetSelector{
			OrganizationID: q.Get("organization"),
			ProjectID:      q.Get("project"),
			TargetIDs:      q["target"],
		},
		filter: reader.Filter{
			OperationHashes: q["operation"],
			ClientNames:     q["client"],
		},
	}

	var err error
	if req.period.From, err = parseTime(q.Get("from")); err != nil {
		return readRequest{}, errors.New("from must be an RFC 3339 timestamp")
	}
	if req.period.To, err = parseTime(q.Get("to")); err != nil {
		return readRequest{}, errors.New("to must be an RFC 3339 timestamp")
	}
	if req.period.To.Before(req.period.From) {
		return readRequest{}, errors.New("to must not precede from")
	}

	if v := q.Get("resolution"); v != "" {
		if req.resolution, err = strconv.Atoi(v); err != nil {
			return readRequest{}, errors.New("resolution must be an integer")
		}
	}
	if v := q.Get("limit"); v != "" {
		if req.limit, err = strconv.Atoi(v); err != nil {
			return readRequest{}, errors.New("limit must be an integer")
		}
	}
	return req, nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("missing timestamp")
	}
	return time.Parse(time.RFC3339, s)
}

// coordinateParam decodes the {coordinate} route parameter.
func coordinateParam(r *http.Request) (string, error) {
	return url.QueryUnescape(chi.URLParam(r, "coordinate"))
}

// clientName decodes the {name} route parameter, falling back to the raw
// value when it is not valid escaping.
func clientName(r *http.Request) string {
	name := chi.URLParam(r, "name")
	if decoded, err := url.QueryUnescape(name); err == nil {
		return decoded
	}
	return name
}

func readerSelector(organization, project string, targets []string) reader.TargetSelector {
	return reader.TargetSelector{
		OrganizationID: organization,
		ProjectID:      project,
		TargetIDs:      targets,
	}
}

// respondJSON writes a JSON response.
func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError writes an error response.
func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{
		"error": message,
	})
}

// respondReadError maps reader errors onto status codes: caller mistakes
// are 400, periods no granularity can serve are 422, store failures 502.
func (s *Server) respondReadError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, reader.ErrEmptySelector), errors.Is(err, reader.ErrBadResolution):
		s.respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, reader.ErrRangeTooOld), errors.Is(err, reader.ErrUnresolvable):
		s.respondError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.logger.Error("read failed", "error", err)
		s.respondError(w, http.StatusBadGateway, "analytics store unavailable")
	}
}
