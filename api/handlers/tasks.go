package handlers

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/webpilot/engine"
	"github.com/BaSui01/webpilot/internal/ctxkeys"
	"github.com/BaSui01/webpilot/types"
)

// =============================================================================
// 🎯 协作接口
// =============================================================================

// TaskService 是 engine.Service 在 HTTP 层用到的部分
type TaskService interface {
	Submit(req engine.TaskRequest) (*engine.Task, error)
	Get(id string) (*engine.Task, error)
	Stop(id string) (*engine.Task, error)
	Steps(id string) ([]engine.Step, error)
	List() []engine.Snapshot
}

// History 读取已经离开内存的任务，由 store.GormRecorder 实现
type History interface {
	Task(ctx context.Context, id string) (engine.Snapshot, error)
	Steps(ctx context.Context, taskID string) ([]engine.Step, error)
	ListTasks(ctx context.Context, status engine.Status, limit int) ([]engine.Snapshot, error)
}

// SnapshotCache 缓存已结束任务的快照，由 cache.Manager 实现
type SnapshotCache interface {
	Key(parts ...string) string
	GetJSON(ctx context.Context, key string, dest any) error
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
}

// StopBroadcaster 把停止请求发给其他实例，由 store.RedisStopSource 实现
type StopBroadcaster interface {
	RequestStop(ctx context.Context, taskID string) error
}

// EventSource 按任务订阅事件，由 engine.EventBus 实现
type EventSource interface {
	SubscribeTask(taskID string, h engine.Handler) func()
}

// =============================================================================
// 📋 TaskHandler
// =============================================================================

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// TaskHandler 处理任务的创建、查询、停止与事件流
type TaskHandler struct {
	service  TaskService
	history  History
	cache    SnapshotCache
	cacheTTL time.Duration
	stops    StopBroadcaster
	events   EventSource
	logger   *zap.Logger
}

// TaskOption 配置 TaskHandler
type TaskOption func(*TaskHandler)

// WithHistory 启用数据库回退
func WithHistory(h History) TaskOption { return func(t *TaskHandler) { t.history = h } }

// WithSnapshotCache 启用已结束任务的快照缓存
func WithSnapshotCache(c SnapshotCache, ttl time.Duration) TaskOption {
	return func(t *TaskHandler) { t.cache, t.cacheTTL = c, ttl }
}

// WithStopBroadcaster 停止本实例不认识的任务
func WithStopBroadcaster(s StopBroadcaster) TaskOption { return func(t *TaskHandler) { t.stops = s } }

// WithEventSource 启用 websocket 事件流
func WithEventSource(e EventSource) TaskOption { return func(t *TaskHandler) { t.events = e } }

// NewTaskHandler 创建任务处理器
func NewTaskHandler(service TaskService, logger *zap.Logger, opts ...TaskOption) *TaskHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &TaskHandler{
		service: service,
		logger:  logger.With(zap.String("component", "task_handler")),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register 在 mux 上注册任务路由
func (h *TaskHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/tasks", h.HandleCreate)
	mux.HandleFunc("GET /api/v1/tasks", h.HandleList)
	mux.HandleFunc("GET /api/v1/tasks/{id}", h.HandleGet)
	mux.HandleFunc("GET /api/v1/tasks/{id}/steps", h.HandleSteps)
	mux.HandleFunc("POST /api/v1/tasks/{id}/stop", h.HandleStop)
	mux.HandleFunc("GET /api/v1/tasks/{id}/events", h.HandleEvents)
}

func (h *TaskHandler) log(ctx context.Context) *zap.Logger {
	return h.logger.With(ctxkeys.Fields(ctx)...)
}

// withTask 把路径中的任务 ID 放进请求 context
func withTask(r *http.Request) (*http.Request, string) {
	id := r.PathValue("id")
	return r.WithContext(ctxkeys.WithTaskID(r.Context(), id)), id
}

// HandleCreate 处理 POST /api/v1/tasks
func (h *TaskHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req engine.TaskRequest
	if err := DecodeJSONBody(r, &req); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	task, err := h.service.Submit(req)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	h.log(ctxkeys.WithTaskID(r.Context(), task.ID)).Info("task accepted",
		zap.String("backend", task.Backend),
		zap.Int("max_steps", task.Params.MaxSteps),
	)
	w.Header().Set("Location", "/api/v1/tasks/"+task.ID)
	WriteSuccess(w, r, http.StatusCreated, task.Snapshot())
}

// HandleGet 处理 GET /api/v1/tasks/{id}：内存 → 快照缓存 → 数据库
func (h *TaskHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	r, id := withTask(r)
	snap, err := h.lookup(r.Context(), id)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, http.StatusOK, snap)
}

func (h *TaskHandler) lookup(ctx context.Context, id string) (engine.Snapshot, error) {
	task, err := h.service.Get(id)
	if err == nil {
		snap := task.Snapshot()
		if snap.Status.Terminal() {
			h.remember(ctx, snap)
		}
		return snap, nil
	}
	if !types.IsCode(err, types.ErrNotFound) {
		return engine.Snapshot{}, err
	}

	if h.cache != nil {
		var snap engine.Snapshot
		cerr := h.cache.GetJSON(ctx, h.cache.Key("task", id), &snap)
		if cerr == nil {
			return snap, nil
		}
		h.log(ctx).Debug("snapshot cache lookup missed", zap.Error(cerr))
	}

	if h.history == nil {
		return engine.Snapshot{}, err
	}
	snap, herr := h.history.Task(ctx, id)
	if herr != nil {
		return engine.Snapshot{}, herr
	}
	h.remember(ctx, snap)
	return snap, nil
}

func (h *TaskHandler) remember(ctx context.Context, snap engine.Snapshot) {
	if h.cache == nil || !snap.Status.Terminal() {
		return
	}
	if err := h.cache.SetJSON(ctx, h.cache.Key("task", snap.ID), snap, h.cacheTTL); err != nil {
		h.log(ctx).Warn("failed to cache task snapshot", zap.Error(err))
	}
}

// HandleSteps 处理 GET /api/v1/tasks/{id}/steps
func (h *TaskHandler) HandleSteps(w http.ResponseWriter, r *http.Request) {
	r, id := withTask(r)
	steps, err := h.service.Steps(id)
	if err != nil && types.IsCode(err, types.ErrNotFound) && h.history != nil {
		if _, err = h.history.Task(r.Context(), id); err == nil {
			steps, err = h.history.Steps(r.Context(), id)
		}
	}
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	if steps == nil {
		steps = []engine.Step{}
	}
	WriteSuccess(w, r, http.StatusOK, steps)
}

// StopResponse 是远程停止请求的应答
type StopResponse struct {
	TaskID        string `json:"task_id"`
	StopRequested bool   `json:"stop_requested"`
}

// HandleStop 处理 POST /api/v1/tasks/{id}/stop。本实例不认识的任务通过
// 停止标志转发给其他实例，返回 202。
func (h *TaskHandler) HandleStop(w http.ResponseWriter, r *http.Request) {
	r, id := withTask(r)
	task, err := h.service.Stop(id)
	if err == nil {
		WriteSuccess(w, r, http.StatusOK, task.Snapshot())
		return
	}
	if !types.IsCode(err, types.ErrNotFound) || h.stops == nil {
		WriteError(w, r, err, h.logger)
		return
	}

	if h.history != nil {
		if snap, herr := h.history.Task(r.Context(), id); herr == nil && snap.Status.Terminal() {
			WriteSuccess(w, r, http.StatusOK, snap)
			return
		}
	}
	if err := h.stops.RequestStop(r.Context(), id); err != nil {
		WriteError(w, r, types.NewError(types.ErrInternalError, "failed to broadcast stop").WithCause(err), h.logger)
		return
	}
	h.log(r.Context()).Info("stop broadcast to other instances")
	WriteSuccess(w, r, http.StatusAccepted, StopResponse{TaskID: id, StopRequested: true})
}

// HandleList 处理 GET /api/v1/tasks?status=&limit=
func (h *TaskHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := engine.Status(q.Get("status"))
	if status != "" && !validStatus(status) {
		WriteError(w, r, types.NewError(types.ErrValidation, fmt.Sprintf("unknown status %q", status)), h.logger)
		return
	}
	limit := defaultListLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxListLimit {
			WriteError(w, r, types.NewError(types.ErrValidation, fmt.Sprintf("limit must be between 1 and %d", maxListLimit)), h.logger)
			return
		}
		limit = n
	}

	seen := make(map[string]struct{})
	var out []engine.Snapshot
	for _, s := range h.service.List() {
		if status == "" || s.Status == status {
			seen[s.ID] = struct{}{}
			out = append(out, s)
		}
	}
	if h.history != nil {
		older, err := h.history.ListTasks(r.Context(), status, limit)
		if err != nil {
			h.log(r.Context()).Warn("task history unavailable", zap.Error(err))
		}
		for _, s := range older {
			if _, dup := seen[s.ID]; !dup {
				out = append(out, s)
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	if out == nil {
		out = []engine.Snapshot{}
	}
	WriteSuccess(w, r, http.StatusOK, out)
}

func validStatus(s engine.Status) bool {
	switch s {
	case engine.StatusPending, engine.StatusRunning, engine.StatusCompleted,
		engine.StatusFailed, engine.StatusStopped, engine.StatusTimeout:
		return true
	}
	return false
}
