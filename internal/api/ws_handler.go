package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/storyloom/storyloom-api/internal/api/shared"
	"github.com/storyloom/storyloom-api/internal/domain"
	"github.com/storyloom/storyloom-api/internal/platform/logger"
	"github.com/storyloom/storyloom-api/internal/progress"
	"github.com/storyloom/storyloom-api/internal/service"
)

const (
	// wsWriteTimeout bounds each frame write so one stuck client cannot
	// pin the handler goroutine.
	wsWriteTimeout = 10 * time.Second

	// wsPongTimeout is how long the server waits for any traffic from
	// the client before dropping the connection.
	wsPongTimeout = 60 * time.Second
)

// EventsHandler streams job progress events over WebSocket. Ownership
// is checked before the upgrade so unauthorized requests get a plain
// HTTP error instead of a half-open socket.
type EventsHandler struct {
	bus      *progress.Bus
	books    *service.BookService
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewEventsHandler creates a new EventsHandler.
func NewEventsHandler(bus *progress.Bus, books *service.BookService, logger *slog.Logger) *EventsHandler {
	if logger == nil {
		// ALLOW-PANIC: Constructor enforcing required dependency
		panic("logger cannot be nil for EventsHandler")
	}

	return &EventsHandler{
		bus:   bus,
		books: books,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The API is token-authenticated; origin checks add nothing.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger.With(slog.String("component", "events_handler")),
	}
}

// StreamEvents handles GET /jobs/{jobID}/events requests. The optional
// "after" query parameter is the client's resume cursor: events with a
// sequence at or below it are not replayed.
func (h *EventsHandler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	userID, jobID, ok := requireUserAndJobID(w, r, log)
	if !ok {
		return
	}

	var after uint64
	if raw := r.URL.Query().Get("after"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid after cursor")
			return
		}
		after = parsed
	}

	job, err := h.books.GetJob(r.Context(), userID, jobID)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	events, cancel := h.bus.Subscribe(jobID, after)
	defer cancel()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		log.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer func() { _ = conn.Close() }()

	log.Debug("event stream opened",
		slog.String("job_id", jobID.String()),
		slog.Uint64("after", after))

	// Reader goroutine: consumes client pings and control frames and
	// signals when the peer goes away.
	clientGone := make(chan struct{})
	_ = conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(appData),
			time.Now().Add(wsWriteTimeout))
	})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// A job that finished before any subscriber arrived may have had
	// its stream swept; synthesize one terminal event from the record
	// so the client does not hang on an empty channel.
	if job.Status.Terminal() && h.bus.LastSequence(jobID) == 0 {
		event := domain.ProgressEvent{
			JobID:     jobID,
			Sequence:  after + 1,
			Stage:     domain.Stage{Kind: job.Stage},
			Percent:   job.Percent,
			Detail:    job.ErrorSummary,
			Timestamp: job.UpdatedAt,
		}
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		_ = conn.WriteJSON(event)
		h.closeNormally(conn)
		return
	}

	for {
		select {
		case <-clientGone:
			return
		case event, open := <-events:
			if !open {
				// Terminal event delivered (or stream swept); say
				// goodbye properly so clients don't treat this as a
				// dropped connection.
				h.closeNormally(conn)
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(event); err != nil {
				log.Debug("event write failed, dropping subscriber",
					slog.String("job_id", jobID.String()),
					slog.String("error", err.Error()))
				return
			}
		}
	}
}

func (h *EventsHandler) closeNormally(conn *websocket.Conn) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream complete"),
		time.Now().Add(wsWriteTimeout))
}
