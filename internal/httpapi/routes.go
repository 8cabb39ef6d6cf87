package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/logaggregator/aggregator/internal/aggregator"
	"github.com/logaggregator/aggregator/internal/dedupstore"
	"github.com/logaggregator/aggregator/internal/httpapi/middleware"
	"github.com/logaggregator/aggregator/internal/queue"
)

// PublishRequest is the body accepted by POST /publish.
type PublishRequest struct {
	Events []aggregator.Event `json:"events"`
}

// PublishResponse is returned on a successful publish.
type PublishResponse struct {
	Accepted int    `json:"accepted"`
	Message  string `json:"message"`
}

// EventsResponse is returned by GET /events.
type EventsResponse struct {
	Topic  string                   `json:"topic"`
	Total  int                      `json:"total"`
	Events []aggregator.StoredEvent `json:"events"`
}

// StatsResponse is returned by GET /stats.
type StatsResponse struct {
	UptimeSeconds    float64  `json:"uptime_seconds"`
	Received         int64    `json:"received"`
	UniqueProcessed  int64    `json:"unique_processed"`
	DuplicateDropped int64    `json:"duplicate_dropped"`
	Topics           []string `json:"topics"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status         string `json:"status"`
	QueueSize      int    `json:"queue_size"`
	ProcessedCount int64  `json:"processed_count"`
}

func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /publish", s.handlePublish)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("/", s.handleNotFound)
}

// handlePublish implements §4.5 POST /publish: validate, account received
// before enqueue (invariant (1)), enqueue each event, return 202.
//
// If the client's request context is cancelled mid-enqueue, already
// counted-but-not-yet-enqueued events are backed out of the received
// counter before the error response is returned, per the explicit
// either/or contract for that race.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	var req PublishRequest

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(&req); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("request body is not valid JSON: "+err.Error()))

		return
	}

	if err := s.validator.ValidateBatch(req.Events); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	for i := range req.Events {
		if err := s.validator.Validate(&req.Events[i]); err != nil {
			WriteErrorResponse(w, r, s.logger, BadRequest("events["+strconv.Itoa(i)+"]: "+err.Error()))

			return
		}
	}

	if problem := s.checkRateLimits(req.Events); problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	n := int64(len(req.Events))

	if err := s.store.IncrementCounter(r.Context(), dedupstore.CounterReceived, n); err != nil {
		s.logger.Error("failed to account received counter",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)

		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to record publish"))

		return
	}

	enqueued := 0

	for _, event := range req.Events {
		if err := s.queue.Enqueue(r.Context(), event); err != nil {
			remaining := n - int64(enqueued)
			if decErr := s.store.IncrementCounter(r.Context(), dedupstore.CounterReceived, -remaining); decErr != nil {
				s.logger.Error("failed to back out received counter after enqueue failure",
					slog.String("correlation_id", correlationID),
					slog.String("error", decErr.Error()),
				)
			}

			if errors.Is(err, queue.ErrClosed) {
				WriteErrorResponse(w, r, s.logger, ServiceUnavailable("aggregator is shutting down"))
			} else {
				WriteErrorResponse(w, r, s.logger, ServiceUnavailable("queue is at capacity, retry later"))
			}

			return
		}

		enqueued++
	}

	writeJSON(w, r, s.logger, http.StatusAccepted, PublishResponse{
		Accepted: enqueued,
		Message:  "events accepted for processing",
	})
}

// checkRateLimits enforces the per-source tier for every distinct source
// present in the batch, since the identifier is only known after decode.
func (s *Server) checkRateLimits(events []aggregator.Event) *ProblemDetail {
	if s.rateLimiter == nil {
		return nil
	}

	checked := make(map[string]bool, len(events))

	for _, event := range events {
		if checked[event.Source] {
			continue
		}

		checked[event.Source] = true

		if !s.rateLimiter.Allow(event.Source) {
			return TooManyRequests("rate limit exceeded for source " + event.Source)
		}
	}

	return nil
}

// handleEvents implements §4.5 GET /events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	limit := parseLimit(r.URL.Query().Get("limit"))

	events, err := s.store.QueryEvents(r.Context(), topic, limit)
	if err != nil {
		s.logger.Error("query_events failed", slog.String("error", err.Error()))
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to query events"))

		return
	}

	if events == nil {
		events = []aggregator.StoredEvent{}
	}

	writeJSON(w, r, s.logger, http.StatusOK, EventsResponse{
		Topic:  topic,
		Total:  len(events),
		Events: events,
	})
}

// handleStats implements §4.5 GET /stats, reading exclusively from the
// durable counters' in-memory reflection.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	received, _ := s.store.LoadCounter(ctx, dedupstore.CounterReceived)
	uniqueProcessed, _ := s.store.LoadCounter(ctx, dedupstore.CounterUniqueProcessed)
	duplicateDropped, _ := s.store.LoadCounter(ctx, dedupstore.CounterDuplicateDropped)

	topics, err := s.store.Topics(ctx)
	if err != nil {
		s.logger.Error("topics query failed", slog.String("error", err.Error()))
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to query topics"))

		return
	}

	if topics == nil {
		topics = []string{}
	}

	writeJSON(w, r, s.logger, http.StatusOK, StatsResponse{
		UptimeSeconds:    time.Since(s.startTime).Seconds(),
		Received:         received,
		UniqueProcessed:  uniqueProcessed,
		DuplicateDropped: duplicateDropped,
		Topics:           topics,
	})
}

// handleHealth implements §4.5 GET /health. It must never block on the
// dedup store, so it only reads the in-memory queue length and counter
// cache, neither of which touches PostgreSQL.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	processedCount, _ := s.store.LoadCounter(r.Context(), dedupstore.CounterUniqueProcessed)

	writeJSON(w, r, s.logger, http.StatusOK, HealthResponse{
		Status:         "healthy",
		QueueSize:      s.queue.Len(),
		ProcessedCount: processedCount,
	})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	WriteErrorResponse(w, r, s.logger, NotFound("the requested resource was not found"))
}

func writeJSON(w http.ResponseWriter, r *http.Request, logger *slog.Logger, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("failed to encode response",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
}

func parseLimit(raw string) int {
	if raw == "" {
		return dedupstore.DefaultQueryLimit
	}

	n, err := strconv.Atoi(raw)
	if err != nil {
		return dedupstore.DefaultQueryLimit
	}

	return n
}
