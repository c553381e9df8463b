package pajack

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// apiHandlers is the operator-facing HTTP surface
type apiHandlers struct {
	logger  *zap.SugaredLogger
	router  *Router
	metrics *Metrics

	feedState   func() string
	allowReload func() bool
}

func newAPIHandler(logger *zap.SugaredLogger, router *Router, metrics *Metrics, feedState func() string, allowReload func() bool) http.Handler {
	h := &apiHandlers{
		logger:      logger.Named("api"),
		router:      router,
		metrics:     metrics,
		feedState:   feedState,
		allowReload: allowReload,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.CleanPath)

	r.Get("/status", h.getStatus)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Post("/reconcile", h.postReconcile)
	r.Post("/provision", h.postProvision)

	return r
}

func (h *apiHandlers) getStatus(w http.ResponseWriter, r *http.Request) {
	status := h.router.Status()
	status.FeedState = h.feedState()

	writeJSON(w, http.StatusOK, status)
}

func (h *apiHandlers) postReconcile(w http.ResponseWriter, r *http.Request) {
	h.logger.Info("Reconciliation requested over HTTP")

	discrepancies, err := h.router.Reconcile()
	if err != nil {
		h.logger.Warnw("Requested reconciliation failed", "error", err)
		writeError(w, http.StatusBadGateway, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"discrepancies": discrepancies})
}

func (h *apiHandlers) postProvision(w http.ResponseWriter, r *http.Request) {
	if !h.allowReload() {
		writeError(w, http.StatusForbidden, ErrReloadDisabled)
		return
	}

	channels, err := strconv.Atoi(r.URL.Query().Get("channels"))
	if err != nil || !ValidChannelBudget(channels) {
		writeError(w, http.StatusBadRequest, ErrInvalidChannelBudget)
		return
	}

	h.logger.Infow("Re-provisioning requested over HTTP", "channelBudget", channels)

	if err := h.router.Reprovision(channels); err != nil {
		var provisionErr *ProvisionError
		if errors.As(err, &provisionErr) {
			writeError(w, http.StatusBadGateway, err)
			return
		}

		writeError(w, http.StatusInternalServerError, err)
		return
	}

	status := h.router.Status()
	status.FeedState = h.feedState()

	writeJSON(w, http.StatusOK, status)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
