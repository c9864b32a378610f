package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/relaylobby/internal/core"
	"github.com/dkeye/relaylobby/internal/directory"
	"github.com/dkeye/relaylobby/internal/domain"
	"github.com/dkeye/relaylobby/internal/metrics"
)

// DirectoryAPI serves a DirectoryBackend over REST.
type DirectoryAPI struct {
	Backend core.DirectoryBackend
	Limiter *CreateRateLimiter
	Metrics *metrics.Metrics
}

func (a *DirectoryAPI) Register(g *gin.RouterGroup) {
	g.POST("/sessions", a.create)
	g.GET("/sessions", a.list)
	g.GET("/sessions/:id", a.get)
	g.POST("/sessions/:id/members", a.join)
	g.DELETE("/sessions/:id/members/:identity", a.leave)
	g.PUT("/sessions/:id/metadata/:key", a.setMetadata)
	g.PUT("/sessions/:id/visibility", a.setVisibility)
	g.PUT("/sessions/:id/joinable", a.setJoinable)
}

func (a *DirectoryAPI) create(c *gin.Context) {
	var req directory.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		a.badRequest(c, err)
		return
	}
	if a.Limiter != nil && !a.Limiter.Allow(req.Owner) {
		if a.Metrics != nil {
			a.Metrics.RateLimited.Inc()
		}
		a.fail(c, directory.ErrRateLimited)
		return
	}
	s, err := a.Backend.CreateSession(c.Request.Context(), req.Owner, req.MaxMembers)
	if err != nil {
		a.fail(c, err)
		return
	}
	if a.Metrics != nil {
		a.Metrics.SessionsCreated.Inc()
	}
	log.Info().Str("module", "adapters.http").Str("rid", c.GetString(requestIDKey)).
		Uint64("session", uint64(s.ID)).Uint64("owner", uint64(s.Owner)).Msg("session created")
	c.JSON(http.StatusCreated, s)
}

func (a *DirectoryAPI) list(c *gin.Context) {
	filter, err := directory.DecodeFilter(c.Request.URL.Query())
	if err != nil {
		a.badRequest(c, err)
		return
	}
	sessions, err := a.Backend.ListSessions(c.Request.Context(), filter)
	if err != nil {
		a.fail(c, err)
		return
	}
	listed := make([]*domain.Session, 0, len(sessions))
	for _, s := range sessions {
		listed = append(listed, s.Listing())
	}
	c.JSON(http.StatusOK, directory.ListResponse{Sessions: listed})
}

func (a *DirectoryAPI) get(c *gin.Context) {
	id, ok := a.sessionID(c)
	if !ok {
		return
	}
	s, err := a.Backend.GetSession(c.Request.Context(), id)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.Listing())
}

func (a *DirectoryAPI) join(c *gin.Context) {
	id, ok := a.sessionID(c)
	if !ok {
		return
	}
	var req directory.JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		a.badRequest(c, err)
		return
	}
	s, err := a.Backend.JoinSession(c.Request.Context(), id, req.Identity)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (a *DirectoryAPI) leave(c *gin.Context) {
	id, ok := a.sessionID(c)
	if !ok {
		return
	}
	member, err := domain.ParseIdentity(c.Param("identity"))
	if err != nil {
		a.fail(c, directory.ErrInvalidIdentity)
		return
	}
	if err := a.Backend.LeaveSession(c.Request.Context(), id, member); err != nil {
		a.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *DirectoryAPI) setMetadata(c *gin.Context) {
	id, ok := a.sessionID(c)
	if !ok {
		return
	}
	var req directory.MetadataRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		a.badRequest(c, err)
		return
	}
	key := domain.MetadataKey(c.Param("key"))
	if err := a.Backend.SetMetadata(c.Request.Context(), id, key, req.Value); err != nil {
		a.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *DirectoryAPI) setVisibility(c *gin.Context) {
	id, ok := a.sessionID(c)
	if !ok {
		return
	}
	var req directory.VisibilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		a.badRequest(c, err)
		return
	}
	if err := a.Backend.SetVisibility(c.Request.Context(), id, req.Visibility); err != nil {
		a.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *DirectoryAPI) setJoinable(c *gin.Context) {
	id, ok := a.sessionID(c)
	if !ok {
		return
	}
	var req directory.JoinableRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		a.badRequest(c, err)
		return
	}
	if err := a.Backend.SetJoinable(c.Request.Context(), id, req.Joinable); err != nil {
		a.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *DirectoryAPI) sessionID(c *gin.Context) (domain.SessionID, bool) {
	id, err := domain.ParseSessionID(c.Param("id"))
	if err != nil {
		// unparseable ids can never name a session
		a.fail(c, domain.ErrSessionNotFound)
		return 0, false
	}
	return id, true
}

func (a *DirectoryAPI) badRequest(c *gin.Context, err error) {
	a.count("bad_request")
	c.AbortWithStatusJSON(http.StatusBadRequest, directory.ErrorBody{Error: err.Error()})
}

func (a *DirectoryAPI) fail(c *gin.Context, err error) {
	status, code := directory.ErrorStatus(err)
	if code == "" {
		code = "internal"
	}
	a.count(code)
	if status >= http.StatusInternalServerError {
		log.Error().Str("module", "adapters.http").Str("rid", c.GetString(requestIDKey)).Err(err).
			Str("path", c.FullPath()).Msg("directory request failed")
	}
	body := directory.ErrorBody{Error: err.Error()}
	if status < http.StatusInternalServerError {
		body.Code = code
	}
	c.AbortWithStatusJSON(status, body)
}

func (a *DirectoryAPI) count(code string) {
	if a.Metrics != nil {
		a.Metrics.DirectoryErrors.WithLabelValues(code).Inc()
	}
}
