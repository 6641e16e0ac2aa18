package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/meshwarden/meshwarden/internal/config"
	"github.com/meshwarden/meshwarden/internal/events"
	"github.com/meshwarden/meshwarden/internal/logger"
	"github.com/meshwarden/meshwarden/internal/telemetry"
)

// Sink receives external alerts over HTTP, validates them fail-closed,
// deduplicates inside a sliding window and queues survivors for the
// monitor to drain on its cadence.
type Sink struct {
	cfg      config.AlertSinkConfig
	log      logger.Logger
	tel      *telemetry.Telemetry
	bus      *events.Bus
	validate *validator.Validate
	dedup    DedupStore
	limiter  *rate.Limiter
	queue    *alertQueue
	router   *mux.Router
	server   *http.Server
}

// NewSink creates the alert intake sink. The sink takes ownership of the
// dedup store and closes it on shutdown.
func NewSink(cfg config.AlertSinkConfig, dedup DedupStore, bus *events.Bus, tel *telemetry.Telemetry) *Sink {
	if tel == nil {
		tel = telemetry.Nop()
	}

	s := &Sink{
		cfg:      cfg,
		log:      logger.New("alerting"),
		tel:      tel,
		bus:      bus,
		validate: validator.New(),
		dedup:    dedup,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst),
		queue:    newAlertQueue(cfg.QueueCapacity),
	}

	s.router = mux.NewRouter()
	s.setupRoutes()

	return s
}

func (s *Sink) setupRoutes() {
	s.router.HandleFunc("/webhooks/alerts", s.tel.TracedHTTPHandler("/webhooks/alerts", s.handleWebhook)).Methods("POST")
	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
}

// Handler exposes the router, mainly for tests.
func (s *Sink) Handler() http.Handler {
	return s.router
}

// Start runs the HTTP listener until Shutdown is called.
func (s *Sink) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.log.Info("alert sink listening", logger.String("addr", s.cfg.Addr))

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains the listener and closes the dedup store.
func (s *Sink) Shutdown(ctx context.Context) error {
	var err error
	if s.server != nil {
		err = s.server.Shutdown(ctx)
	}
	if s.dedup != nil {
		if closeErr := s.dedup.Close(); err == nil {
			err = closeErr
		}
	}
	return err
}

func (s *Sink) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		s.tel.RecordAlertDropped(r.Context(), "rate_limited")
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error": "rate limit exceeded",
		})
		return
	}

	var payload WebhookPayload
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := decoder.Decode(&payload); err != nil {
		s.tel.RecordAlertDropped(r.Context(), "malformed")
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "malformed payload: " + err.Error(),
		})
		return
	}

	if err := ValidatePayload(s.validate, &payload); err != nil {
		s.tel.RecordAlertDropped(r.Context(), "invalid")
		s.log.Warn("rejected alert batch",
			logger.String("receiver", payload.Receiver),
			logger.Int("alerts", len(payload.Alerts)),
			logger.Error(err),
		)
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error": "validation failed: " + err.Error(),
		})
		return
	}

	now := time.Now().UTC()
	accepted, deduplicated := 0, 0

	for _, wire := range payload.Alerts {
		alert := Normalize(wire, payload.Receiver, now)

		seen, err := s.dedup.Seen(r.Context(), alert.DedupKey())
		if err == nil && seen {
			deduplicated++
			s.tel.RecordAlertDropped(r.Context(), "duplicate")
			continue
		}

		if evicted := s.queue.push(alert); evicted {
			s.tel.RecordAlertDropped(r.Context(), "queue_full")
			s.bus.Publish(events.Event{
				Type:   events.AlertDropped,
				Source: "alerting",
				Data: map[string]interface{}{
					"reason": "queue_full",
				},
			})
		} else {
			s.tel.AddAlertQueueDepth(r.Context(), 1)
		}

		accepted++
		s.tel.RecordAlertReceived(r.Context(), payload.Receiver)
	}

	if accepted > 0 {
		s.bus.Publish(events.Event{
			Type:   events.AlertReceived,
			Source: "alerting",
			Data: map[string]interface{}{
				"receiver":     payload.Receiver,
				"accepted":     accepted,
				"deduplicated": deduplicated,
			},
		})
	}

	writeJSON(w, http.StatusAccepted, map[string]int{
		"accepted":     accepted,
		"deduplicated": deduplicated,
	})
}

func (s *Sink) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"queue_depth": s.queue.depth(),
	})
}

// Drain pops up to max queued alerts inside the configured wall budget.
// It never blocks on an empty queue.
func (s *Sink) Drain(ctx context.Context, max int) []ExternalAlert {
	budget := time.Duration(s.cfg.DrainTimeoutMillis) * time.Millisecond
	if budget <= 0 {
		budget = 100 * time.Millisecond
	}
	deadline := time.Now().Add(budget)

	out := make([]ExternalAlert, 0, max)
	for len(out) < max {
		batchSize := 32
		if remaining := max - len(out); remaining < batchSize {
			batchSize = remaining
		}

		batch := s.queue.drain(batchSize)
		if len(batch) == 0 {
			break
		}
		out = append(out, batch...)

		if ctx.Err() != nil || time.Now().After(deadline) {
			break
		}
	}

	if len(out) > 0 {
		s.tel.AddAlertQueueDepth(ctx, -int64(len(out)))
	}

	return out
}

// Depth reports the current queue depth.
func (s *Sink) Depth() int {
	return s.queue.depth()
}

// Dropped reports how many alerts were evicted by drop-oldest overflow.
func (s *Sink) Dropped() uint64 {
	return s.queue.droppedCount()
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// alertQueue is a fixed-capacity ring. Overflow evicts the oldest entry
// so the freshest signal always survives backpressure.
type alertQueue struct {
	mu      sync.Mutex
	buf     []ExternalAlert
	head    int
	size    int
	dropped uint64
}

func newAlertQueue(capacity int) *alertQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &alertQueue{buf: make([]ExternalAlert, capacity)}
}

// push enqueues an alert, reporting whether an older entry was evicted.
func (q *alertQueue) push(a ExternalAlert) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == len(q.buf) {
		q.buf[q.head] = a
		q.head = (q.head + 1) % len(q.buf)
		q.dropped++
		return true
	}

	q.buf[(q.head+q.size)%len(q.buf)] = a
	q.size++
	return false
}

// drain pops up to max entries in arrival order.
func (q *alertQueue) drain(max int) []ExternalAlert {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.size
	if max > 0 && n > max {
		n = max
	}
	if n == 0 {
		return nil
	}

	out := make([]ExternalAlert, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, q.buf[q.head])
		q.buf[q.head] = ExternalAlert{}
		q.head = (q.head + 1) % len(q.buf)
		q.size--
	}
	return out
}

func (q *alertQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

func (q *alertQueue) droppedCount() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
