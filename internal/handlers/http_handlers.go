package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"raffle/internal/events"
	"raffle/internal/models"
	"raffle/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/google/logger"
)

// EventLog serves recent events. *events.Archive implements it.
type EventLog interface {
	Recent(ctx context.Context, limit int) ([]events.Event, error)
}

// HTTPHandler exposes the raffle service as a JSON API.
type HTTPHandler struct {
	service *services.RaffleService
	events  EventLog
	replay  *replayCache
	now     func() time.Time
}

// NewHTTPHandler creates a new HTTPHandler. log may be nil, which disables GET /events.
func NewHTTPHandler(service *services.RaffleService, log EventLog) *HTTPHandler {
	return &HTTPHandler{
		service: service,
		events:  log,
		replay:  newReplayCache(),
		now:     time.Now,
	}
}

// Router builds a gin engine with every route registered.
func (h *HTTPHandler) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	h.RegisterPublicRoutes(r)
	signed := r.Group("/")
	signed.Use(h.AuthMiddleware())
	h.RegisterSignedRoutes(signed)
	return r
}

// RegisterPublicRoutes registers the read-only views.
func (h *HTTPHandler) RegisterPublicRoutes(r gin.IRoutes) {
	r.GET("/config", h.GetConfig)
	r.GET("/admin", h.GetAdmin)
	r.GET("/rounds/current", h.GetCurrentRound)
	r.GET("/rounds/:round", h.GetRound)
	r.GET("/rounds/:round/stats", h.GetRoundStats)
	r.GET("/rounds/:round/participants", h.GetParticipants)
	r.GET("/rounds/:round/tickets/:user", h.GetUserTickets)
	r.GET("/rounds/:round/winner", h.GetWinner)
	r.GET("/users/:user/winning-rounds", h.GetWinningRounds)
	r.GET("/users/:user/unclaimed", h.GetUnclaimed)
	r.GET("/draw/ready", h.GetReady)
	if h.events != nil {
		r.GET("/events", h.GetEvents)
	}
}

// RegisterSignedRoutes registers the operations that act on behalf of the caller.
func (h *HTTPHandler) RegisterSignedRoutes(r gin.IRoutes) {
	r.POST("/enter", h.Enter)
	r.POST("/draw", h.RequestDraw)
	r.POST("/claim", h.Claim)
	r.POST("/claim/all", h.ClaimAll)
	r.POST("/oracle/fulfill", h.Fulfill)
	r.POST("/admin", h.SetAdmin)
}

func statusFor(err error) int {
	var e *models.Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e {
	case models.ErrAdminNotFound, models.ErrConfigNotFound, models.ErrRoundNotFound,
		models.ErrRoundStatsNotFound, models.ErrWinnerNotFound:
		return http.StatusNotFound
	case models.ErrAlreadyInitialized, models.ErrRoundNotOpen, models.ErrInvalidState,
		models.ErrTargetNotMet, models.ErrAlreadyClaimed:
		return http.StatusConflict
	case models.ErrNotWinner, models.ErrNotAdmin, models.ErrUnauthorizedVRF:
		return http.StatusForbidden
	case models.ErrInsufficientTickets, models.ErrArithmeticOverflow, models.ErrInvalidConfig:
		return http.StatusBadRequest
	case models.ErrVRFRequestFailed, models.ErrFailedToTransferToWinner,
		models.ErrFailedToTransferFromUser, models.ErrNoBalanceToTransfer:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// fail writes err as {"code", "error"}.
func fail(c *gin.Context, err error) {
	status := statusFor(err)
	var code uint32
	var e *models.Error
	if errors.As(err, &e) {
		code = e.Code
	}
	if status >= http.StatusInternalServerError {
		logger.Errorf("%s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	} else {
		logger.Infof("%s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.JSON(status, gin.H{"code": code, "error": err.Error()})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"code": 0, "error": err.Error()})
}

func roundParam(c *gin.Context) (uint32, bool) {
	n, err := strconv.ParseUint(c.Param("round"), 10, 32)
	if err != nil {
		badRequest(c, err)
		return 0, false
	}
	return uint32(n), true
}

func userParam(c *gin.Context) (models.Address, bool) {
	a, err := models.ParseAddress(c.Param("user"))
	if err != nil {
		badRequest(c, err)
		return "", false
	}
	return a, true
}

func (h *HTTPHandler) GetConfig(c *gin.Context) {
	cfg, err := h.service.Config(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (h *HTTPHandler) GetAdmin(c *gin.Context) {
	admin, err := h.service.Admin(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"admin": admin})
}

func (h *HTTPHandler) GetCurrentRound(c *gin.Context) {
	r, err := h.service.CurrentRound(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (h *HTTPHandler) GetRound(c *gin.Context) {
	round, ok := roundParam(c)
	if !ok {
		return
	}
	r, err := h.service.RoundInfo(c.Request.Context(), round)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (h *HTTPHandler) GetRoundStats(c *gin.Context) {
	round, ok := roundParam(c)
	if !ok {
		return
	}
	st, err := h.service.RoundStats(c.Request.Context(), round)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *HTTPHandler) GetParticipants(c *gin.Context) {
	round, ok := roundParam(c)
	if !ok {
		return
	}
	ps, err := h.service.Participants(c.Request.Context(), round)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"round": round, "participants": ps})
}

func (h *HTTPHandler) GetUserTickets(c *gin.Context) {
	round, ok := roundParam(c)
	if !ok {
		return
	}
	user, ok := userParam(c)
	if !ok {
		return
	}
	n, err := h.service.UserTickets(c.Request.Context(), round, user)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"round": round, "user": user, "tickets": n})
}

func (h *HTTPHandler) GetWinner(c *gin.Context) {
	round, ok := roundParam(c)
	if !ok {
		return
	}
	rec, found, err := h.service.Winner(c.Request.Context(), round)
	if err != nil {
		fail(c, err)
		return
	}
	if !found {
		fail(c, models.ErrWinnerNotFound)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *HTTPHandler) GetWinningRounds(c *gin.Context) {
	user, ok := userParam(c)
	if !ok {
		return
	}
	rounds, err := h.service.UserWinningRounds(c.Request.Context(), user)
	if err != nil {
		fail(c, err)
		return
	}
	if rounds == nil {
		rounds = []uint32{}
	}
	c.JSON(http.StatusOK, gin.H{"user": user, "rounds": rounds})
}

func (h *HTTPHandler) GetUnclaimed(c *gin.Context) {
	user, ok := userParam(c)
	if !ok {
		return
	}
	recs, err := h.service.UnclaimedPrizes(c.Request.Context(), user)
	if err != nil {
		fail(c, err)
		return
	}
	if recs == nil {
		recs = []models.WinnerRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"user": user, "prizes": recs})
}

func (h *HTTPHandler) GetReady(c *gin.Context) {
	ready, err := h.service.IsReadyToDraw(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": ready})
}

func (h *HTTPHandler) GetEvents(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 || limit > 500 {
		badRequest(c, errors.New("limit must be between 1 and 500"))
		return
	}
	evs, err := h.events.Recent(c.Request.Context(), limit)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": evs})
}

type enterRequest struct {
	Tickets uint32 `json:"tickets"`
}

func (h *HTTPHandler) Enter(c *gin.Context) {
	var req enterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	caller := callerOf(c)
	total, err := h.service.Enter(c.Request.Context(), caller, req.Tickets)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": caller, "tickets": total})
}

func (h *HTTPHandler) RequestDraw(c *gin.Context) {
	id, err := h.service.RequestDraw(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requestId": id})
}

type claimRequest struct {
	Round uint32 `json:"round"`
}

func (h *HTTPHandler) Claim(c *gin.Context) {
	var req claimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	amount, err := h.service.ClaimPrize(c.Request.Context(), callerOf(c), req.Round)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"round": req.Round, "amount": amount})
}

func (h *HTTPHandler) ClaimAll(c *gin.Context) {
	amount, err := h.service.ClaimAllPrizes(c.Request.Context(), callerOf(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"amount": amount})
}

type fulfillRequest struct {
	Value uint64 `json:"value"`
}

// Fulfill is the oracle's callback; the signer must be the configured oracle.
func (h *HTTPHandler) Fulfill(c *gin.Context) {
	var req fulfillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.service.FulfillRandom(c.Request.Context(), callerOf(c), req.Value); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "fulfilled"})
}

type adminRequest struct {
	Admin string `json:"admin" binding:"required"`
}

func (h *HTTPHandler) SetAdmin(c *gin.Context) {
	var req adminRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	admin, err := models.ParseAddress(req.Admin)
	if err != nil {
		badRequest(c, err)
		return
	}
	if err := h.service.SetNewAdmin(c.Request.Context(), callerOf(c), admin); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"admin": admin})
}
