package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wiregame-server/internal/core"
	"github.com/vovakirdan/wiregame-server/internal/game"
	"github.com/vovakirdan/wiregame-server/internal/store"
)

// LobbyHandlers provides operator endpoints for the lobby pool and live sessions.
type LobbyHandlers struct {
	hub *core.Hub
	log *zerolog.Logger
}

// NewLobbyHandlers creates a new lobby handlers instance.
func NewLobbyHandlers(hub *core.Hub, logger *zerolog.Logger) *LobbyHandlers {
	return &LobbyHandlers{hub: hub, log: logger}
}

// ErrorResponse represents an error response body.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// LobbyResponse represents a pooled lobby in API responses.
type LobbyResponse struct {
	LobbyID   string           `json:"lobby_id"`
	OwnerID   string           `json:"owner_id"`
	Config    game.LobbyConfig `json:"config"`
	Members   []game.Member    `json:"members"`
	State     string           `json:"state"`
	AttemptID string           `json:"attempt_id,omitempty"`
	Deadline  string           `json:"deadline,omitempty"`
	SessionID game.SessionID   `json:"session_id,omitempty"`
}

// SessionResponse represents a live session in API responses.
type SessionResponse struct {
	SessionID game.SessionID `json:"session_id"`
	LobbyID   string         `json:"lobby_id"`
	Phase     string         `json:"phase"`
	SpawnAt   string         `json:"spawn_at"`
	WorkerURL string         `json:"worker_url,omitempty"`
	Slots     []game.Slot    `json:"slots,omitempty"`
}

// ReportResponse represents a cached game-over report.
type ReportResponse struct {
	Report   game.Report `json:"report"`
	CachedAt string      `json:"cached_at"`
}

// AbortRequest is the optional body of an abort call.
type AbortRequest struct {
	Reason string `json:"reason" binding:"max=128"`
}

// CreateLobby registers a lobby in the pool.
// POST /api/lobbies
func (h *LobbyHandlers) CreateLobby(c *gin.Context) {
	var req game.LobbySnapshot
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Debug().Err(err).Msg("invalid create lobby request")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: core.ErrCodeBadRequest})
		return
	}

	view, err := h.hub.RegisterLobby(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, lobbyResponse(view))
}

// ListLobbies lists the pool.
// GET /api/lobbies
func (h *LobbyHandlers) ListLobbies(c *gin.Context) {
	views, err := h.hub.Lobbies(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]LobbyResponse, 0, len(views))
	for _, v := range views {
		out = append(out, lobbyResponse(v))
	}
	c.JSON(http.StatusOK, out)
}

// GetLobby returns one pooled lobby.
// GET /api/lobbies/:id
func (h *LobbyHandlers) GetLobby(c *gin.Context) {
	view, err := h.hub.Lobby(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, lobbyResponse(view))
}

// LaunchLobby asks every member of an open lobby to acknowledge a launch.
// POST /api/lobbies/:id/launch
func (h *LobbyHandlers) LaunchLobby(c *gin.Context) {
	view, err := h.hub.Launch(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	h.log.Info().Str("lobby_id", view.Snapshot.LobbyID).Str("attempt_id", view.AttemptID).Msg("launch requested")
	c.JSON(http.StatusAccepted, lobbyResponse(view))
}

// ListSessions lists live sessions.
// GET /api/sessions
func (h *LobbyHandlers) ListSessions(c *gin.Context) {
	views, err := h.hub.Sessions(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]SessionResponse, 0, len(views))
	for _, v := range views {
		out = append(out, SessionResponse{
			SessionID: v.SessionID,
			LobbyID:   v.LobbyID,
			Phase:     v.Phase,
			SpawnAt:   v.SpawnAt.UTC().Format(time.RFC3339Nano),
			WorkerURL: v.WorkerURL,
			Slots:     v.Slots,
		})
	}
	c.JSON(http.StatusOK, out)
}

// AbortSession stops a live session.
// POST /api/sessions/:id/abort
func (h *LobbyHandlers) AbortSession(c *gin.Context) {
	id, ok := h.sessionID(c)
	if !ok {
		return
	}
	var req AbortRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: core.ErrCodeBadRequest})
			return
		}
	}
	if err := h.hub.AbortSession(c.Request.Context(), id, req.Reason); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetReport returns the cached report of a finished session.
// GET /api/sessions/:id/report
func (h *LobbyHandlers) GetReport(c *gin.Context) {
	id, ok := h.sessionID(c)
	if !ok {
		return
	}
	r, err := h.hub.Report(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, reportResponse(r))
}

// ListReports lists recently cached reports, newest first.
// GET /api/reports?limit=N
func (h *LobbyHandlers) ListReports(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid limit", Code: core.ErrCodeBadRequest})
		return
	}
	reports, err := h.hub.Reports(c.Request.Context(), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]ReportResponse, 0, len(reports))
	for _, r := range reports {
		out = append(out, reportResponse(r))
	}
	c.JSON(http.StatusOK, out)
}

func (h *LobbyHandlers) sessionID(c *gin.Context) (game.SessionID, bool) {
	id, err := game.ParseSessionID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid session id", Code: core.ErrCodeBadRequest})
		return 0, false
	}
	return id, true
}

func (h *LobbyHandlers) fail(c *gin.Context, err error) {
	status, code := statusOf(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("request failed")
		c.JSON(status, ErrorResponse{Error: "internal server error", Code: code})
		return
	}
	c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
}

func statusOf(err error) (int, string) {
	switch {
	case errors.Is(err, core.ErrLobbyNotFound):
		return http.StatusNotFound, core.ErrCodeLobbyNotFound
	case errors.Is(err, core.ErrLobbyExists):
		return http.StatusConflict, "lobby_exists"
	case errors.Is(err, core.ErrLobbyBusy):
		return http.StatusConflict, core.ErrCodeLobbyBusy
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "report_not_found"
	case errors.Is(err, game.ErrValidation):
		return http.StatusBadRequest, game.CodeOf(err, core.ErrCodeBadRequest)
	case errors.Is(err, game.ErrStaleState):
		return http.StatusNotFound, game.CodeOf(err, core.ErrCodeUnknown)
	case errors.Is(err, core.ErrHubStopped):
		return http.StatusServiceUnavailable, "stopping"
	default:
		return http.StatusInternalServerError, core.ErrCodeInternal
	}
}

func lobbyResponse(v core.LobbyView) LobbyResponse {
	out := LobbyResponse{
		LobbyID:   v.Snapshot.LobbyID,
		OwnerID:   v.Snapshot.OwnerID,
		Config:    v.Snapshot.Config,
		Members:   v.Snapshot.Members,
		State:     v.State.String(),
		AttemptID: v.AttemptID,
		SessionID: v.SessionID,
	}
	if !v.Deadline.IsZero() {
		out.Deadline = v.Deadline.UTC().Format(time.RFC3339Nano)
	}
	return out
}

func reportResponse(r *store.CachedReport) ReportResponse {
	return ReportResponse{Report: r.Report, CachedAt: r.CachedAt.UTC().Format(time.RFC3339Nano)}
}
