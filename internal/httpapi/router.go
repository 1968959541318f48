package httpapi

import (
	"context"
	"net/http"
	"time"

	"edc-detector/internal/models"
	"edc-detector/internal/registry"
	"edc-detector/internal/repository"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ItemRegistry 注册表变更与查询
type ItemRegistry interface {
	Register(ctx context.Context, reg registry.Registration) (string, error)
	Get(id string) (models.Item, error)
	ListAll() []models.Item
	Update(ctx context.Context, id string, upd registry.ItemUpdate) (models.Item, error)
	Remove(ctx context.Context, id string) error
}

// SightingIngestor 观测摄取
type SightingIngestor interface {
	IngestPayload(ctx context.Context, payload []byte, topicID string, source models.SightingSource) error
}

// LogQuerier 事件日志查询
type LogQuerier interface {
	Query(ctx context.Context, q models.LogQuery) (*repository.EntryIterator, error)
}

// Trigger 立即评估
type Trigger interface {
	Trigger()
}

// Handler HTTP 处理器集合
type Handler struct {
	registry ItemRegistry
	ingestor SightingIngestor
	log      LogQuerier
	trigger  Trigger
	gatherer prometheus.Gatherer
	logger   *zap.Logger
	now      func() time.Time
}

// NewHandler 创建 HTTP 处理器
func NewHandler(reg ItemRegistry, ing SightingIngestor, log LogQuerier, trigger Trigger, gatherer prometheus.Gatherer, logger *zap.Logger) *Handler {
	return &Handler{
		registry: reg,
		ingestor: ing,
		log:      log,
		trigger:  trigger,
		gatherer: gatherer,
		logger:   logger,
		now:      time.Now,
	}
}

// Router 构建路由
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, Ok("ok"))
	})
	if h.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/items", func(r chi.Router) {
			r.Get("/", h.listItems)
			r.Post("/", h.createItem)
			r.Get("/{id}", h.getItem)
			r.Put("/{id}", h.updateItem)
			r.Delete("/{id}", h.deleteItem)
		})
		r.Post("/sightings", h.postSighting)
		r.Post("/presence/check", h.presenceCheck)
		r.Get("/logs", h.listLogs)
		r.Get("/logs/export", h.exportLogs)
	})

	return r
}
