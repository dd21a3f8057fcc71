package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/BaSui01/webpilot/engine"
	"github.com/BaSui01/webpilot/types"
)

// =============================================================================
// 📡 事件流（websocket）
// =============================================================================

const (
	eventStreamBuffer = 64
	eventWriteTimeout = 5 * time.Second
	// 丢过事件后按此间隔检查任务状态，complete 可能正是被丢掉的那个
	eventRecheckInterval = 200 * time.Millisecond
)

// HandleEvents 处理 GET /api/v1/tasks/{id}/events。
// 依次推送 step / progress 事件，complete 之后以正常关闭码结束；
// 已结束的任务只推送一次 complete。
func (h *TaskHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	r, id := withTask(r)
	if h.events == nil {
		WriteError(w, r, types.NewError(types.ErrNotFound, "event stream is not enabled"), h.logger)
		return
	}
	task, err := h.service.Get(id)
	var finished *engine.Snapshot
	if err != nil {
		snap, lerr := h.lookup(r.Context(), id)
		if lerr != nil {
			WriteError(w, r, lerr, h.logger)
			return
		}
		finished = &snap
	}

	// 事件流是长连接，不受服务器 WriteTimeout 约束
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log(r.Context()).Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	// 客户端只读；CloseRead 在对端关闭时取消 ctx
	ctx := conn.CloseRead(r.Context())

	if finished != nil {
		h.finishStream(ctx, conn, engine.CompleteEventOf(*finished))
		return
	}

	events := make(chan engine.Event, eventStreamBuffer)
	lost := make(chan struct{}, 1)
	unsubscribe := h.events.SubscribeTask(id, func(_ context.Context, ev engine.Event) error {
		select {
		case events <- ev:
			return nil
		default:
			select {
			case lost <- struct{}{}:
			default:
			}
			return errors.New("websocket subscriber is too slow")
		}
	})
	defer unsubscribe()

	// 订阅之前结束的任务不会再发 complete
	if h.finishIfTerminal(ctx, conn, task, events) {
		return
	}

	log := h.log(r.Context())
	log.Debug("event stream opened")
	var recheck <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			log.Debug("event stream closed by client")
			return
		case <-lost:
			if recheck == nil {
				log.Warn("event stream dropped events, following task status")
				ticker := time.NewTicker(eventRecheckInterval)
				defer ticker.Stop()
				recheck = ticker.C
			}
			if h.finishIfTerminal(ctx, conn, task, events) {
				return
			}
		case <-recheck:
			if h.finishIfTerminal(ctx, conn, task, events) {
				return
			}
		case ev := <-events:
			if ev.Type == engine.EventComplete {
				h.finishStream(ctx, conn, ev)
				return
			}
			if err := h.send(ctx, conn, ev); err != nil {
				log.Debug("event stream write failed", zap.Error(err))
				return
			}
		}
	}
}

// finishIfTerminal 在任务已结束时推送剩余事件和基于快照的 complete
func (h *TaskHandler) finishIfTerminal(ctx context.Context, conn *websocket.Conn, task *engine.Task, events <-chan engine.Event) bool {
	snap := task.Snapshot()
	if !snap.Status.Terminal() {
		return false
	}
	h.drain(ctx, conn, events)
	h.finishStream(ctx, conn, engine.CompleteEventOf(snap))
	return true
}

// drain 推送已入队的非 complete 事件
func (h *TaskHandler) drain(ctx context.Context, conn *websocket.Conn, events <-chan engine.Event) {
	for {
		select {
		case ev := <-events:
			if ev.Type == engine.EventComplete {
				continue
			}
			if err := h.send(ctx, conn, ev); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (h *TaskHandler) send(ctx context.Context, conn *websocket.Conn, ev engine.Event) error {
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}

func (h *TaskHandler) finishStream(ctx context.Context, conn *websocket.Conn, ev engine.Event) {
	if err := h.send(ctx, conn, ev); err != nil {
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "task finished")
}
