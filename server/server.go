package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"boardsync/domain"
)

// Config configures a reference board server.
type Config struct {
	// Secret enables HS256 bearer auth on every route when non-empty.
	Secret string
	// Redis enables cross-instance fanout through a pub/sub channel.
	Redis   *redis.Client
	Channel string
	Logger  *log.Logger
}

const defaultChannel = "board-events"

// Server is an in-memory board backend: CRUD routes plus a websocket push
// channel that broadcasts every mutation to connected clients. It exists so
// the sync client has a real counterpart to run against in tests and demos.
type Server struct {
	id      string
	logger  *log.Logger
	store   *store
	hub     *hub
	auth    *Auth
	rc      *redis.Client
	channel string

	upgrader websocket.Upgrader
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New()
	}
	channel := cfg.Channel
	if channel == "" {
		channel = defaultChannel
	}
	s := &Server{
		id:      uuid.NewString(),
		logger:  logger,
		store:   newStore(),
		hub:     newHub(logger),
		rc:      cfg.Redis,
		channel: channel,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	if cfg.Secret != "" {
		s.auth = NewAuth([]byte(cfg.Secret))
	}
	return s
}

// Auth returns the server's token authority, nil when auth is disabled.
func (s *Server) Auth() *Auth { return s.auth }

// Run drives the hub and, when configured, the redis bridge until ctx is
// canceled.
func (s *Server) Run(ctx context.Context) {
	if s.rc != nil {
		go s.runBridge(ctx)
	}
	s.hub.run(ctx)
}

// Register wires up all routes on the provided Echo instance.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/projects", s.listProjects)
	e.POST("/projects", s.createProject)
	e.DELETE("/projects/:id", s.deleteProject)
	e.GET("/projects/:id/tasks", s.listTasks)
	e.GET("/projects/:id/users", s.listMembers)
	e.POST("/projects/:id/add-member", s.addMember)
	e.POST("/projects/:id/remove-member", s.removeMember)

	e.POST("/tasks", s.createTask)
	e.PUT("/tasks/:id", s.updateTask)
	e.DELETE("/tasks/:id", s.deleteTask)

	e.GET("/users", s.listUsers)
	e.POST("/users", s.createUser)
	e.DELETE("/users/:id", s.deleteUser)

	e.GET("/ws", s.serveWS)
	e.GET("/healthz", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
}

func (s *Server) authorize(c echo.Context) error {
	if s.auth == nil {
		return nil
	}
	header := c.Request().Header.Get("Authorization")
	if header != "" {
		_, err := s.auth.UserIDFromAuthHeader(header)
		return err
	}
	// Browsers cannot set headers on websocket upgrades, so the token may
	// ride the query string instead.
	if token := c.QueryParam("token"); token != "" {
		_, err := s.auth.UserIDFromToken(token)
		return err
	}
	return errors.New("missing credentials")
}

func pathID(c echo.Context) (int64, error) {
	return strconv.ParseInt(c.Param("id"), 10, 64)
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, errNotFound):
		return http.StatusNotFound
	case errors.Is(err, errDuplicateEmail), errors.Is(err, errAlreadyMember), errors.Is(err, errNotMember):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func (s *Server) listProjects(c echo.Context) error {
	if err := s.authorize(c); err != nil {
		return c.String(http.StatusUnauthorized, err.Error())
	}
	return c.JSON(http.StatusOK, s.store.listProjects())
}

func (s *Server) createProject(c echo.Context) error {
	if err := s.authorize(c); err != nil {
		return c.String(http.StatusUnauthorized, err.Error())
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := c.Bind(&req); err != nil || req.Name == "" {
		return c.String(http.StatusBadRequest, "project name required")
	}
	p := s.store.createProject(req.Name)
	s.emit(domain.EventProjectCreated, p)
	return c.JSON(http.StatusCreated, p)
}

func (s *Server) deleteProject(c echo.Context) error {
	if err := s.authorize(c); err != nil {
		return c.String(http.StatusUnauthorized, err.Error())
	}
	id, err := pathID(c)
	if err != nil {
		return c.String(http.StatusBadRequest, "invalid project id")
	}
	p, err := s.store.deleteProject(id)
	if err != nil {
		return c.String(httpStatus(err), err.Error())
	}
	s.emit(domain.EventProjectDeleted, p)
	return c.JSON(http.StatusOK, p)
}

func (s *Server) listTasks(c echo.Context) error {
	if err := s.authorize(c); err != nil {
		return c.String(http.StatusUnauthorized, err.Error())
	}
	id, err := pathID(c)
	if err != nil {
		return c.String(http.StatusBadRequest, "invalid project id")
	}
	tasks, err := s.store.listTasks(id)
	if err != nil {
		return c.String(httpStatus(err), err.Error())
	}
	return c.JSON(http.StatusOK, tasks)
}

func (s *Server) createTask(c echo.Context) error {
	if err := s.authorize(c); err != nil {
		return c.String(http.StatusUnauthorized, err.Error())
	}
	var task domain.Task
	if err := c.Bind(&task); err != nil {
		return c.String(http.StatusBadRequest, "invalid task")
	}
	if task.Title == "" {
		return c.String(http.StatusBadRequest, "task title required")
	}
	created, err := s.store.createTask(task)
	if err != nil {
		return c.String(httpStatus(err), err.Error())
	}
	s.emit(domain.EventTaskCreated, created)
	return c.JSON(http.StatusCreated, created)
}

func (s *Server) updateTask(c echo.Context) error {
	if err := s.authorize(c); err != nil {
		return c.String(http.StatusUnauthorized, err.Error())
	}
	id, err := pathID(c)
	if err != nil {
		return c.String(http.StatusBadRequest, "invalid task id")
	}
	var task domain.Task
	if err := c.Bind(&task); err != nil {
		return c.String(http.StatusBadRequest, "invalid task")
	}
	task.ID = id
	updated, err := s.store.updateTask(task)
	if err != nil {
		return c.String(httpStatus(err), err.Error())
	}
	s.emit(domain.EventTaskUpdated, updated)
	return c.JSON(http.StatusOK, updated)
}

func (s *Server) deleteTask(c echo.Context) error {
	if err := s.authorize(c); err != nil {
		return c.String(http.StatusUnauthorized, err.Error())
	}
	id, err := pathID(c)
	if err != nil {
		return c.String(http.StatusBadRequest, "invalid task id")
	}
	deleted, err := s.store.deleteTask(id)
	if err != nil {
		return c.String(httpStatus(err), err.Error())
	}
	s.emit(domain.EventTaskDeleted, deleted)
	return c.JSON(http.StatusOK, deleted)
}

func (s *Server) listUsers(c echo.Context) error {
	if err := s.authorize(c); err != nil {
		return c.String(http.StatusUnauthorized, err.Error())
	}
	return c.JSON(http.StatusOK, s.store.listUsers())
}

func (s *Server) createUser(c echo.Context) error {
	if err := s.authorize(c); err != nil {
		return c.String(http.StatusUnauthorized, err.Error())
	}
	var user domain.Member
	if err := c.Bind(&user); err != nil || user.Email == "" {
		return c.String(http.StatusBadRequest, "user email required")
	}
	created, err := s.store.createUser(user)
	if err != nil {
		return c.String(httpStatus(err), err.Error())
	}
	s.emit(domain.EventUserCreated, created)
	return c.JSON(http.StatusCreated, created)
}

func (s *Server) deleteUser(c echo.Context) error {
	if err := s.authorize(c); err != nil {
		return c.String(http.StatusUnauthorized, err.Error())
	}
	id, err := pathID(c)
	if err != nil {
		return c.String(http.StatusBadRequest, "invalid user id")
	}
	deleted, err := s.store.deleteUser(id)
	if err != nil {
		return c.String(httpStatus(err), err.Error())
	}
	s.emit(domain.EventUserDeleted, deleted)
	return c.JSON(http.StatusOK, deleted)
}

func (s *Server) listMembers(c echo.Context) error {
	if err := s.authorize(c); err != nil {
		return c.String(http.StatusUnauthorized, err.Error())
	}
	id, err := pathID(c)
	if err != nil {
		return c.String(http.StatusBadRequest, "invalid project id")
	}
	members, err := s.store.listMembers(id)
	if err != nil {
		return c.String(httpStatus(err), err.Error())
	}
	return c.JSON(http.StatusOK, members)
}

func (s *Server) addMember(c echo.Context) error {
	if err := s.authorize(c); err != nil {
		return c.String(http.StatusUnauthorized, err.Error())
	}
	id, err := pathID(c)
	if err != nil {
		return c.String(http.StatusBadRequest, "invalid project id")
	}
	var req struct {
		Name  string `json:"name"`
		Email string `json:"email"`
	}
	if err := c.Bind(&req); err != nil || req.Email == "" {
		return c.String(http.StatusBadRequest, "member email required")
	}
	member, err := s.store.addMember(id, req.Name, req.Email)
	if err != nil {
		return c.String(httpStatus(err), err.Error())
	}
	s.emitMember(domain.EventMemberAdded, id, member)
	return c.JSON(http.StatusOK, member)
}

func (s *Server) removeMember(c echo.Context) error {
	if err := s.authorize(c); err != nil {
		return c.String(http.StatusUnauthorized, err.Error())
	}
	id, err := pathID(c)
	if err != nil {
		return c.String(http.StatusBadRequest, "invalid project id")
	}
	var req struct {
		Email string `json:"email"`
	}
	if err := c.Bind(&req); err != nil || req.Email == "" {
		return c.String(http.StatusBadRequest, "member email required")
	}
	member, err := s.store.removeMember(id, req.Email)
	if err != nil {
		return c.String(httpStatus(err), err.Error())
	}
	s.emitMember(domain.EventMemberRemoved, id, member)
	return c.JSON(http.StatusOK, member)
}

func (s *Server) serveWS(c echo.Context) error {
	if err := s.authorize(c); err != nil {
		return c.String(http.StatusUnauthorized, err.Error())
	}
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	client := &wsClient{
		id:     uuid.NewString(),
		hub:    s.hub,
		conn:   conn,
		send:   make(chan frame, 16),
		logger: s.logger,
	}

	hello, err := sonic.Marshal(map[string]string{"id": client.id})
	if err != nil {
		conn.Close()
		return err
	}
	// The hello must be the first frame on the wire, so it is queued before
	// the hub can select a broadcast into this client's send channel.
	client.send <- frame{Event: domain.EventConnectionEstablished, Data: hello}
	s.hub.register <- client

	go client.writePump()
	go client.readPump()
	return nil
}

// emit broadcasts an entity mutation in the server's wire shape: the record
// wrapped as {"type": event, "data": record}.
func (s *Server) emit(event string, record any) {
	s.emitPayload(event, map[string]any{"type": event, "data": record})
}

// emitMember broadcasts membership changes, which nest the user record
// beside its project scope.
func (s *Server) emitMember(event string, projectID int64, member domain.Member) {
	s.emitPayload(event, map[string]any{
		"type": event,
		"data": map[string]any{"project_id": projectID, "user": member},
	})
}

func (s *Server) emitPayload(event string, payload any) {
	data, err := sonic.Marshal(payload)
	if err != nil {
		s.logger.WithError(err).WithField("event", event).Error("failed to encode broadcast")
		return
	}
	f := frame{Event: event, Data: data}
	select {
	case s.hub.broadcast <- f:
	default:
		// The hub is stopped or backlogged; a CRUD handler must not block
		// on the push channel.
		s.logger.WithField("event", event).Warn("broadcast queue full, dropping")
	}
	if s.rc != nil {
		s.publishBridge(f)
	}
}
