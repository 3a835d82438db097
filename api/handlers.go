package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"board-api/board"
	"board-api/domain"
	"board-api/outbox"
	"board-api/store"
)

const mutationMaxSize = 64 * 1024 // 64 KiB

// StatsFunc reports outbox health for the stats endpoint.
type StatsFunc func() outbox.Stats

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, boards Boards, auth Authenticator, deduper Deduper, failures Failures, stats StatsFunc, logger *log.Logger) {
	e.GET("/api/board", getBoard(boards, auth, logger))
	e.GET("/api/board/stream", streamBoard(boards, auth))
	e.GET("/api/tasks/:id/subtasks", getSubtasks(boards, auth))
	e.POST("/api/tasks", postTask(boards, auth, deduper))
	e.PATCH("/api/tasks/:id", patchTask(boards, auth))
	e.DELETE("/api/tasks/:id", deleteTask(boards, auth))
	e.POST("/api/tasks/bulk-move", postBulkMove(boards, auth))
	e.POST("/api/drag", postDrag(boards, auth))
	e.GET("/api/notifications", getNotifications(failures, auth))
	if stats != nil {
		e.GET("/api/stats", getStats(stats))
	}
	e.GET("/healthz", healthz())
}

type boardResponse struct {
	Columns    []board.Column `json:"columns"`
	DragActive bool           `json:"dragActive"`
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

func getBoard(boards Boards, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newBoardRequestMetrics(ctx, logger)
		if spanCtx != nil {
			c.SetRequest(c.Request().WithContext(spanCtx))
			ctx = spanCtx
		}
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		userID, authErr := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			err = c.String(http.StatusUnauthorized, authErr.Error())
			return err
		}

		loadStart := time.Now()
		bs, loadErr := boards.Get(ctx, userID)
		metrics.ObserveLoad(time.Since(loadStart))
		if loadErr != nil {
			metrics.SetErrorStage("storage")
			c.Logger().Error(loadErr)
			err = c.String(http.StatusInternalServerError, loadErr.Error())
			return err
		}

		columns := bs.Board()
		total := 0
		for _, col := range columns {
			total += len(col.Tasks)
		}
		metrics.SetTasksReturned(total)
		metrics.SetDragActive(bs.Dragging())

		encodeStart := time.Now()
		err = c.JSON(http.StatusOK, boardResponse{Columns: columns, DragActive: bs.Dragging()})
		metrics.ObserveEncode(time.Since(encodeStart))
		if err != nil {
			metrics.SetErrorStage("encode_response")
		}
		return err
	}
}

// modeFilter maps the board mode onto the subtask partition policy: admin
// boards see admin tasks, development boards everything else.
func modeFilter(mode string) (board.Filter, error) {
	switch mode {
	case "":
		return nil, nil
	case "admin":
		return func(t domain.Task) bool { return t.Type == domain.TypeAdmin }, nil
	case "development":
		return func(t domain.Task) bool { return t.Type != domain.TypeAdmin }, nil
	default:
		return nil, errors.New("unknown board mode")
	}
}

func getSubtasks(boards Boards, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		filter, err := modeFilter(c.QueryParam("mode"))
		if err != nil {
			return c.String(http.StatusBadRequest, err.Error())
		}
		bs, err := boards.Get(ctx, userID)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		tasks := bs.Subtasks(c.Param("id"), filter)
		if tasks == nil {
			tasks = []domain.Task{}
		}
		return c.JSON(http.StatusOK, tasks)
	}
}

type createTaskRequest struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Status      domain.Status   `json:"status"`
	OrderIndex  int             `json:"orderIndex"`
	ParentID    string          `json:"parentId"`
	Type        domain.TaskType `json:"type"`
}

type createTaskResponse struct {
	Task           domain.Task `json:"task"`
	IdempotencyKey string      `json:"idempotencyKey"`
	Duplicate      bool        `json:"duplicate,omitempty"`
}

func postTask(boards Boards, auth Authenticator, deduper Deduper) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		var req createTaskRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if req.Title == "" {
			return c.String(http.StatusBadRequest, "title is required")
		}

		key := c.Request().Header.Get("Idempotency-Key")
		if key == "" {
			key = uuid.NewString()
		} else if deduper != nil {
			added, err := deduper.Add(ctx, userID, key)
			if err != nil {
				c.Logger().Error(err)
				return c.String(http.StatusInternalServerError, "dedupe check failed")
			}
			if !added {
				return c.JSON(http.StatusOK, createTaskResponse{IdempotencyKey: key, Duplicate: true})
			}
		}

		bs, err := boards.Get(ctx, userID)
		if err != nil {
			if deduper != nil {
				_ = deduper.Remove(ctx, userID, key)
			}
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		task, err := bs.Create(domain.Task{
			Title:       req.Title,
			Description: req.Description,
			Status:      req.Status,
			OrderIndex:  req.OrderIndex,
			ParentID:    req.ParentID,
			Type:        req.Type,
		})
		if err != nil {
			if deduper != nil {
				_ = deduper.Remove(ctx, userID, key)
			}
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusCreated, createTaskResponse{Task: task, IdempotencyKey: key})
	}
}

func patchTask(boards Boards, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		var patch domain.TaskPatch
		if err := decodeBody(c, &patch); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if patch.IsZero() {
			return c.String(http.StatusBadRequest, "empty patch")
		}
		bs, err := boards.Get(ctx, userID)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		if err := bs.Update(c.Param("id"), patch); err != nil {
			return mutationError(c, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func deleteTask(boards Boards, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		bs, err := boards.Get(ctx, userID)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		if err := bs.Delete(c.Param("id")); err != nil {
			return mutationError(c, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

type bulkMoveRequest struct {
	IDs    []string      `json:"ids"`
	Status domain.Status `json:"status"`
}

func postBulkMove(boards Boards, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		var req bulkMoveRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if len(req.IDs) == 0 || req.Status == "" {
			return c.String(http.StatusBadRequest, "ids and status are required")
		}
		bs, err := boards.Get(ctx, userID)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		if err := bs.BulkMove(req.IDs, req.Status); err != nil {
			return mutationError(c, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

type dragRequest struct {
	Action string        `json:"action"`
	TaskID string        `json:"taskId,omitempty"`
	Target *board.Target `json:"target,omitempty"`
}

type dragResponse struct {
	Tasks      []domain.Task `json:"tasks"`
	DragActive bool          `json:"dragActive"`
}

func postDrag(boards Boards, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		var req dragRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		bs, err := boards.Get(ctx, userID)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}

		switch req.Action {
		case "start":
			if req.TaskID == "" {
				return c.String(http.StatusBadRequest, "taskId is required")
			}
			err = bs.BeginDrag(req.TaskID)
		case "hover":
			if req.Target == nil {
				return c.String(http.StatusBadRequest, "target is required")
			}
			err = bs.HoverDrag(*req.Target)
		case "drop":
			if req.Target == nil {
				return c.String(http.StatusBadRequest, "target is required")
			}
			err = bs.DropDrag(*req.Target)
		case "cancel":
			err = bs.CancelDrag()
		default:
			return c.String(http.StatusBadRequest, "unknown drag action")
		}
		if err != nil {
			return mutationError(c, err)
		}
		return c.JSON(http.StatusOK, dragResponse{Tasks: bs.Snapshot(), DragActive: bs.Dragging()})
	}
}

func getNotifications(failures Failures, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		recent := failures.Recent(userID)
		if recent == nil {
			recent = []store.Failure{}
		}
		return c.JSON(http.StatusOK, recent)
	}
}

func getStats(stats StatsFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, stats())
	}
}

// mutationError maps store errors onto HTTP statuses.
func mutationError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, store.ErrTaskNotFound):
		return c.String(http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrNoDrag), errors.Is(err, store.ErrDragActive), errors.Is(err, board.ErrSessionEnded):
		return c.String(http.StatusConflict, err.Error())
	default:
		c.Logger().Error(err)
		return c.String(http.StatusInternalServerError, err.Error())
	}
}

func decodeBody(c echo.Context, v any) error {
	lr := io.LimitReader(c.Request().Body, mutationMaxSize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
