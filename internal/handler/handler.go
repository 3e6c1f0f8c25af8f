// Package handler HTTP 介面
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/koopa0/system-design/14-engagement-counter/internal/counter"
	"github.com/koopa0/system-design/14-engagement-counter/internal/directory"
	"github.com/koopa0/system-design/14-engagement-counter/internal/feedcache"
	"github.com/koopa0/system-design/14-engagement-counter/internal/relation"
	apperrors "github.com/koopa0/system-design/14-engagement-counter/pkg/errors"
	"github.com/koopa0/system-design/14-engagement-counter/pkg/logger"
)

// UserIDHeader 呼叫者身分；驗證由前端閘道負責
const UserIDHeader = "X-User-ID"

// Engagement 點讚／收藏
type Engagement interface {
	Toggle(ctx context.Context, metric, entityType, entityID string, userID int64, add bool) (bool, error)
	Counts(ctx context.Context, entityType, entityID string, names []string) (map[string]int64, error)
	Reconcile(ctx context.Context, metric, entityType, entityID string) (int64, error)
}

// UserCounters 使用者計數
type UserCounters interface {
	ReadChecked(ctx context.Context, userID int64) (counter.UserCounts, error)
	Rebuild(ctx context.Context, userID int64) (counter.UserCounts, error)
}

// Relations 關注關係
type Relations interface {
	Follow(ctx context.Context, from, to int64) (bool, error)
	Unfollow(ctx context.Context, from, to int64) (bool, error)
	Status(ctx context.Context, userID, otherID int64) (relation.Status, error)
	FollowingProfiles(ctx context.Context, userID int64, offset, limit int) ([]directory.UserSummary, error)
	FollowerProfiles(ctx context.Context, userID int64, offset, limit int) ([]directory.UserSummary, error)
}

// Feed 公開動態
type Feed interface {
	PublicPage(ctx context.Context, page, size int, viewerID int64) (feedcache.FeedPage, error)
}

// Check 就緒檢查
type Check func(ctx context.Context) error

// Handler HTTP 請求處理器
type Handler struct {
	engagement Engagement
	users      UserCounters
	relations  Relations
	feed       Feed
	checks     map[string]Check
	logger     *slog.Logger
}

// New 建立 HTTP 處理器；checks 用於 /ready
func New(engagement Engagement, users UserCounters, relations Relations, feed Feed, checks map[string]Check, logger *slog.Logger) *Handler {
	return &Handler{
		engagement: engagement,
		users:      users,
		relations:  relations,
		feed:       feed,
		checks:     checks,
		logger:     logger.With("component", "http"),
	}
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// 中間件鏈：請求 ID -> 日誌 -> 恢復 -> 業務處理
	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return h.requestID(h.loggerMiddleware(h.recoverer(handler)))
	}

	mux.HandleFunc("POST /api/v1/actions/{action}", wrap(h.action))
	mux.HandleFunc("GET /api/v1/counts/{entityType}/{entityId}", wrap(h.counts))
	mux.HandleFunc("GET /api/v1/feed", wrap(h.publicFeed))

	mux.HandleFunc("GET /api/v1/users/{id}/counters", wrap(h.userCounters))
	mux.HandleFunc("POST /api/v1/users/{id}/follow", wrap(h.follow))
	mux.HandleFunc("DELETE /api/v1/users/{id}/follow", wrap(h.unfollow))
	mux.HandleFunc("GET /api/v1/users/{id}/relation", wrap(h.relationStatus))
	mux.HandleFunc("GET /api/v1/users/{id}/following", wrap(h.following))
	mux.HandleFunc("GET /api/v1/users/{id}/followers", wrap(h.followers))

	// 補償：以權威來源覆寫計數，由內部網路或維運工具呼叫
	mux.HandleFunc("POST /api/v1/admin/reconcile/{metric}/{entityType}/{entityId}", wrap(h.reconcile))
	mux.HandleFunc("POST /api/v1/admin/users/{id}/counters/rebuild", wrap(h.rebuildUserCounters))

	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("GET /ready", h.ready)
	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}

type actionRequest struct {
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
}

type actionResponse struct {
	Changed bool   `json:"changed"`
	Error   string `json:"error,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// actions 路徑上的動作 → 指標與方向
var actions = map[string]struct {
	metric string
	add    bool
}{
	"like":   {counter.MetricLike, true},
	"unlike": {counter.MetricLike, false},
	"fav":    {counter.MetricFav, true},
	"unfav":  {counter.MetricFav, false},
}

// action 點讚／收藏；任何儲存錯誤都回 changed=false
func (h *Handler) action(w http.ResponseWriter, r *http.Request) {
	act, ok := actions[r.PathValue("action")]
	if !ok {
		h.respondError(w, apperrors.New(apperrors.ErrCodeNotFound, "unknown action"))
		return
	}

	userID, err := callerID(r)
	if err != nil {
		h.respondError(w, err)
		return
	}

	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, apperrors.New(apperrors.ErrCodeInvalidInput, "invalid request body"))
		return
	}

	changed, err := h.engagement.Toggle(r.Context(), act.metric, req.EntityType, req.EntityID, userID, act.add)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "toggle failed",
			"metric", act.metric, "entity_type", req.EntityType, "entity_id", req.EntityID, "error", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusOf(err))
		h.encode(w, actionResponse{Changed: false, Error: messageOf(err)})
		return
	}
	h.respondJSON(w, actionResponse{Changed: changed})
}

func (h *Handler) counts(w http.ResponseWriter, r *http.Request) {
	var names []string
	if raw := r.URL.Query().Get("metrics"); raw != "" {
		names = strings.Split(raw, ",")
	}

	values, err := h.engagement.Counts(r.Context(), r.PathValue("entityType"), r.PathValue("entityId"), names)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, values)
}

// publicFeed 公開動態；帶 X-User-ID 時補上瀏覽者的點讚／收藏狀態
func (h *Handler) publicFeed(w http.ResponseWriter, r *http.Request) {
	var viewer int64
	if r.Header.Get(UserIDHeader) != "" {
		id, err := callerID(r)
		if err != nil {
			h.respondError(w, err)
			return
		}
		viewer = id
	}

	page, err := h.feed.PublicPage(r.Context(), queryInt(r, "page", 1), queryInt(r, "size", 20), viewer)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, page)
}

func (h *Handler) userCounters(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r)
	if err != nil {
		h.respondError(w, err)
		return
	}

	counts, err := h.users.ReadChecked(r.Context(), userID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, counts)
}

type reconcileResponse struct {
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
	Metric     string `json:"metric"`
	Value      int64  `json:"value"`
}

// reconcile 以位圖人數校正實體的 like／fav 計數
func (h *Handler) reconcile(w http.ResponseWriter, r *http.Request) {
	metric, entityType, entityID := r.PathValue("metric"), r.PathValue("entityType"), r.PathValue("entityId")

	n, err := h.engagement.Reconcile(r.Context(), metric, entityType, entityID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, reconcileResponse{EntityType: entityType, EntityID: entityID, Metric: metric, Value: n})
}

// rebuildUserCounters 以關係資料表重建使用者計數
func (h *Handler) rebuildUserCounters(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r)
	if err != nil {
		h.respondError(w, err)
		return
	}

	counts, err := h.users.Rebuild(r.Context(), userID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, counts)
}

func (h *Handler) follow(w http.ResponseWriter, r *http.Request) {
	h.relationChange(w, r, h.relations.Follow)
}

func (h *Handler) unfollow(w http.ResponseWriter, r *http.Request) {
	h.relationChange(w, r, h.relations.Unfollow)
}

func (h *Handler) relationChange(w http.ResponseWriter, r *http.Request, op func(context.Context, int64, int64) (bool, error)) {
	from, err := callerID(r)
	if err != nil {
		h.respondError(w, err)
		return
	}
	to, err := pathID(r)
	if err != nil {
		h.respondError(w, err)
		return
	}

	changed, err := op(r.Context(), from, to)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, actionResponse{Changed: changed})
}

func (h *Handler) relationStatus(w http.ResponseWriter, r *http.Request) {
	caller, err := callerID(r)
	if err != nil {
		h.respondError(w, err)
		return
	}
	other, err := pathID(r)
	if err != nil {
		h.respondError(w, err)
		return
	}

	status, err := h.relations.Status(r.Context(), caller, other)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, status)
}

func (h *Handler) following(w http.ResponseWriter, r *http.Request) {
	h.profiles(w, r, h.relations.FollowingProfiles)
}

func (h *Handler) followers(w http.ResponseWriter, r *http.Request) {
	h.profiles(w, r, h.relations.FollowerProfiles)
}

func (h *Handler) profiles(w http.ResponseWriter, r *http.Request, list func(context.Context, int64, int, int) ([]directory.UserSummary, error)) {
	userID, err := pathID(r)
	if err != nil {
		h.respondError(w, err)
		return
	}
	offset := queryInt(r, "offset", 0)
	limit := min(queryInt(r, "limit", 20), 100)

	users, err := list(r.Context(), userID, offset, limit)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, map[string]any{"users": users, "offset": offset, "limit": limit})
}

// health 存活檢查
func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	h.respondJSON(w, map[string]string{"status": "ok"})
}

// ready 就緒檢查，逐一執行依賴檢查
func (h *Handler) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	failed := make(map[string]string)
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		h.encode(w, map[string]any{"status": "not ready", "failed": failed})
		return
	}
	h.respondJSON(w, map[string]string{"status": "ready"})
}

func callerID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.Header.Get(UserIDHeader), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperrors.New(apperrors.ErrCodeInvalidInput, "missing or invalid "+UserIDHeader)
	}
	return id, nil
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperrors.New(apperrors.ErrCodeInvalidInput, "invalid user id")
	}
	return id, nil
}

func queryInt(r *http.Request, name string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || v < 0 {
		return def
	}
	return v
}

// statusOf 錯誤分類 → HTTP 狀態碼
func statusOf(err error) int {
	switch {
	case apperrors.IsInvalidInput(err), apperrors.IsMalformed(err):
		return http.StatusBadRequest
	case apperrors.IsNotFound(err):
		return http.StatusNotFound
	case apperrors.IsRateLimited(err):
		return http.StatusTooManyRequests
	case apperrors.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func messageOf(err error) string {
	if statusOf(err) == http.StatusInternalServerError {
		return "internal server error"
	}
	return err.Error()
}

// 中間件

// requestID 沿用或產生請求 ID，寫入 context 供日誌使用
func (h *Handler) requestID(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next(w, r.WithContext(logger.WithRequestID(r.Context(), id)))
	}
}

// loggerMiddleware 記錄請求日誌
func (h *Handler) loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next(ww, r)

		h.logger.InfoContext(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"duration", time.Since(start),
		)
	}
}

// recoverer 恢復 panic
func (h *Handler) recoverer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				h.logger.ErrorContext(r.Context(), "panic recovered", "error", err)
				h.respondError(w, apperrors.New(apperrors.ErrCodeInternal, "internal server error"))
			}
		}()
		next(w, r)
	}
}

func (h *Handler) respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	h.encode(w, data)
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusOf(err))
	h.encode(w, errorResponse{Error: messageOf(err), Code: apperrors.CodeOf(err)})
}

func (h *Handler) encode(w http.ResponseWriter, data any) {
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

// responseWriter 包裝以捕獲狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (w *responseWriter) WriteHeader(code int) {
	if !w.written {
		w.statusCode = code
		w.written = true
		w.ResponseWriter.WriteHeader(code)
	}
}
