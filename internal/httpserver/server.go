// Package httpserver exposes sessions, transports and the registry over HTTP.
package httpserver

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/twilio/twilio-go/twiml"
	"go.uber.org/zap"

	"github.com/chadiek/voice-agent/internal/agent"
	"github.com/chadiek/voice-agent/internal/middleware"
	"github.com/chadiek/voice-agent/internal/registry"
	"github.com/chadiek/voice-agent/internal/rtc"
	"github.com/chadiek/voice-agent/internal/transport"
)

// Sessions is the session lifecycle API, implemented by *agent.Manager.
type Sessions interface {
	Init(ctx context.Context, id string) (*agent.SessionState, error)
	Get(ctx context.Context, id string) (*agent.SessionState, error)
	Update(ctx context.Context, id string, p agent.SessionPatch) (*agent.SessionState, error)
	AppendMessage(ctx context.Context, id, role, content string) (*agent.SessionState, error)
	UpdateLead(ctx context.Context, id string, patch agent.LeadInfo) (*agent.SessionState, error)
	Reset(ctx context.Context, id string) (*agent.SessionState, error)
	End(ctx context.Context, id string) (*agent.SessionState, error)
	Interrupt(ctx context.Context, id string) (bool, error)
}

// Registry lists session metadata, implemented by *registry.Registry.
type Registry interface {
	List(ctx context.Context) ([]registry.Record, error)
	Purge(ctx context.Context, olderThan time.Duration) (int, error)
}

// Deps are the server's collaborators. Nil transports leave their routes
// unregistered.
type Deps struct {
	Sessions Sessions
	Registry Registry
	WS       *transport.WSHandler
	Twilio   *transport.TwilioHandler
	RTC      *rtc.Handler

	AuthPassword    string
	PublicBaseURL   string
	TwilioAuthToken string
	Logger          *zap.Logger
}

// Server bundles HTTP router and dependencies.
type Server struct {
	Router http.Handler
	deps   Deps
}

type errorBody struct {
	Error string `json:"error"`
}

// New constructs the HTTP server with routes.
func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	s := &Server{deps: deps}
	e := newEcho(deps.Logger)

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	gate := authGate(deps.AuthPassword)
	if deps.Sessions != nil {
		g := e.Group("/sessions", gate)
		g.GET("/:id", s.getSession)
		g.POST("/:id/init", s.initSession)
		g.PATCH("/:id", s.updateSession)
		g.POST("/:id/messages", s.appendMessage)
		g.PATCH("/:id/lead", s.updateLead)
		g.POST("/:id/end", s.endSession)
		g.POST("/:id/reset", s.resetSession)
		g.POST("/:id/interrupt", s.interrupt)
	}
	if deps.Registry != nil {
		e.GET("/sessions", s.listSessions, gate)
		e.POST("/sessions/purge", s.purgeSessions, gate)
	}
	if deps.WS != nil {
		e.GET("/ws/:id", func(c echo.Context) error {
			deps.WS.Serve(c.Response(), c.Request(), c.Param("id"))
			return nil
		}, gate)
	}
	if deps.RTC != nil {
		// Basic CORS for browser demos.
		cors := echomw.CORSWithConfig(echomw.CORSConfig{
			AllowOrigins: []string{"*"},
			AllowMethods: []string{http.MethodPost, http.MethodOptions},
			AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization, "X-Auth-Token"},
		})
		e.POST("/call", s.call, cors, gate)
		e.OPTIONS("/call", func(c echo.Context) error { return c.NoContent(http.StatusNoContent) }, cors)
		// Signaling checks auth itself so browsers can send it as the first frame.
		e.GET("/call/ws", func(c echo.Context) error {
			deps.RTC.ServeWebSocket(c.Response(), c.Request(), sessionIDFrom(c), deps.AuthPassword)
			return nil
		})
	}
	if deps.Twilio != nil {
		e.POST("/twilio/voice", s.twilioVoice, middleware.TwilioAuth(deps.TwilioAuthToken, deps.PublicBaseURL))
		e.GET("/twilio/media", func(c echo.Context) error {
			deps.Twilio.Serve(c.Response(), c.Request())
			return nil
		})
	}

	s.Router = e
	return s
}

// rtcAuthOK accepts everything when no password is expected.
func rtcAuthOK(r *http.Request, expected string) bool {
	if expected == "" {
		return true
	}
	return rtc.Authorized(r, expected)
}

func sessionIDFrom(c echo.Context) string {
	if id := strings.TrimSpace(c.QueryParam("session_id")); id != "" {
		return id
	}
	return uuid.NewString()
}

func writeError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, agent.ErrSessionNotFound):
		return c.JSON(http.StatusNotFound, errorBody{Error: err.Error()})
	case errors.Is(err, agent.ErrInvalidInput):
		return c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
	case errors.Is(err, context.DeadlineExceeded):
		return c.JSON(http.StatusGatewayTimeout, errorBody{Error: err.Error()})
	}
	return c.JSON(http.StatusInternalServerError, errorBody{Error: err.Error()})
}

func respond(c echo.Context, st *agent.SessionState, err error) error {
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) getSession(c echo.Context) error {
	st, err := s.deps.Sessions.Get(c.Request().Context(), c.Param("id"))
	return respond(c, st, err)
}

func (s *Server) initSession(c echo.Context) error {
	st, err := s.deps.Sessions.Init(c.Request().Context(), c.Param("id"))
	return respond(c, st, err)
}

func (s *Server) updateSession(c echo.Context) error {
	var p agent.SessionPatch
	if err := c.Bind(&p); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid body"})
	}
	st, err := s.deps.Sessions.Update(c.Request().Context(), c.Param("id"), p)
	return respond(c, st, err)
}

type messageBody struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (s *Server) appendMessage(c echo.Context) error {
	var m messageBody
	if err := c.Bind(&m); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid body"})
	}
	st, err := s.deps.Sessions.AppendMessage(c.Request().Context(), c.Param("id"), m.Role, m.Content)
	return respond(c, st, err)
}

func (s *Server) updateLead(c echo.Context) error {
	var lead agent.LeadInfo
	if err := c.Bind(&lead); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid body"})
	}
	st, err := s.deps.Sessions.UpdateLead(c.Request().Context(), c.Param("id"), lead)
	return respond(c, st, err)
}

func (s *Server) endSession(c echo.Context) error {
	st, err := s.deps.Sessions.End(c.Request().Context(), c.Param("id"))
	return respond(c, st, err)
}

func (s *Server) resetSession(c echo.Context) error {
	st, err := s.deps.Sessions.Reset(c.Request().Context(), c.Param("id"))
	return respond(c, st, err)
}

func (s *Server) interrupt(c echo.Context) error {
	stopped, err := s.deps.Sessions.Interrupt(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"interrupted": stopped})
}

func (s *Server) listSessions(c echo.Context) error {
	records, err := s.deps.Registry.List(c.Request().Context())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"sessions": records})
}

type purgeBody struct {
	OlderThanMs int64 `json:"older_than_ms"`
}

func (s *Server) purgeSessions(c echo.Context) error {
	var b purgeBody
	if err := c.Bind(&b); err != nil || b.OlderThanMs < 0 {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid body"})
	}
	n, err := s.deps.Registry.Purge(c.Request().Context(), time.Duration(b.OlderThanMs)*time.Millisecond)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]int{"purged": n})
}

func (s *Server) call(c echo.Context) error {
	var offer rtc.SessionDescription
	if err := c.Bind(&offer); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid offer"})
	}
	id := sessionIDFrom(c)
	answer, err := s.deps.RTC.HandleOffer(c.Request().Context(), id, offer)
	if err != nil {
		s.deps.Logger.Warn("webrtc handle offer failed", zap.String("session_id", id), zap.Error(err))
		return c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
	}
	c.Response().Header().Set("X-Session-Id", id)
	return c.JSON(http.StatusOK, answer)
}

// twilioVoice answers an incoming call by connecting it to the media
// stream. Callers are keyed by phone number so a repeat caller resumes
// their session.
func (s *Server) twilioVoice(c echo.Context) error {
	params, _ := c.Get(middleware.TwilioParamsKey).(map[string]string)
	id := params["CallSid"]
	if from := params["From"]; from != "" {
		id = "tel:" + from
	}
	if id == "" {
		return c.String(http.StatusBadRequest, "missing CallSid")
	}

	token, err := transport.SignStreamToken(s.deps.TwilioAuthToken, id, params["CallSid"], time.Now())
	if err != nil {
		s.deps.Logger.Error("failed to sign stream token", zap.Error(err))
		return c.String(http.StatusInternalServerError, "failed to sign stream")
	}
	stream := &twiml.VoiceStream{
		Url: s.mediaURL(c),
		InnerElements: []twiml.Element{
			&twiml.VoiceParameter{Name: transport.SessionParam, Value: id},
			&twiml.VoiceParameter{Name: transport.TokenParam, Value: token},
		},
	}
	connect := &twiml.VoiceConnect{InnerElements: []twiml.Element{stream}}
	response, err := twiml.Voice([]twiml.Element{connect})
	if err != nil {
		return c.String(http.StatusInternalServerError, "failed to build TwiML")
	}
	c.Response().Header().Set(echo.HeaderContentType, "application/xml")
	return c.String(http.StatusOK, response)
}

// mediaURL builds the public wss:// URL of the media stream endpoint.
// Priority: PUBLIC_BASE_URL > X-Forwarded-Host > request Host.
func (s *Server) mediaURL(c echo.Context) string {
	base := s.deps.PublicBaseURL
	if base == "" {
		host := c.Request().Header.Get("X-Forwarded-Host")
		if host == "" {
			host = c.Request().Host
		}
		base = "https://" + host
	}
	base = strings.Replace(base, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/twilio/media"
}
