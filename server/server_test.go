package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"boardsync/api"
	"boardsync/domain"
)

func startServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	logger := log.New()
	logger.SetLevel(log.ErrorLevel)
	cfg.Logger = logger
	srv := New(cfg)
	e := echo.New()
	srv.Register(e)
	ts := httptest.NewServer(e)
	ctx, cancel := context.WithCancel(context.Background())
	go srv.Run(ctx)
	t.Cleanup(func() {
		cancel()
		ts.Close()
	})
	return srv, ts
}

// wsListener drains one websocket connection and records named frames.
type wsListener struct {
	conn *websocket.Conn

	mu     sync.Mutex
	frames []frame
}

func dialWS(t *testing.T, httpURL, token string) *wsListener {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(httpURL, "http") + "/ws"
	if token != "" {
		wsURL += "?token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	l := &wsListener{conn: conn}
	t.Cleanup(func() { conn.Close() })

	// Consume the hello before recording pushes.
	var hello frame
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&hello); err != nil {
		t.Fatalf("read hello: %v", err)
	}
	if hello.Event != domain.EventConnectionEstablished {
		t.Fatalf("first frame = %q, want %q", hello.Event, domain.EventConnectionEstablished)
	}

	go func() {
		for {
			var f frame
			conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			l.mu.Lock()
			l.frames = append(l.frames, f)
			l.mu.Unlock()
		}
	}()
	return l
}

func newAPIClient(t *testing.T, baseURL, token string) *api.Client {
	t.Helper()
	client, err := api.NewClient(api.Config{BaseURL: baseURL, Token: token})
	if err != nil {
		t.Fatalf("api client: %v", err)
	}
	return client
}

func (l *wsListener) waitFor(t *testing.T, event string) frame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		l.mu.Lock()
		for _, f := range l.frames {
			if f.Event == event {
				l.mu.Unlock()
				return f
			}
		}
		l.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no %q frame received", event)
	return frame{}
}

func TestCRUDBroadcastsPushEvents(t *testing.T) {
	_, ts := startServer(t, Config{})
	listener := dialWS(t, ts.URL, "")

	client := newAPIClient(t, ts.URL, "")
	ctx := context.Background()

	project, err := client.CreateProject(ctx, "launch")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	f := listener.waitFor(t, domain.EventProjectCreated)
	env, err := domain.Normalize(f.Event, f.Data)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	var got domain.Project
	if err := sonic.Unmarshal(env.Data, &got); err != nil {
		t.Fatalf("decode project: %v", err)
	}
	if got != project {
		t.Fatalf("pushed project = %+v, want %+v", got, project)
	}

	task, err := client.CreateTask(ctx, domain.Task{Title: "wire it up", ProjectID: project.ID})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	listener.waitFor(t, domain.EventTaskCreated)

	task.Status = domain.StatusDone
	updated, err := client.UpdateTask(ctx, task)
	if err != nil {
		t.Fatalf("update task: %v", err)
	}
	f = listener.waitFor(t, domain.EventTaskUpdated)
	env, err = domain.Normalize(f.Event, f.Data)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	var gotTask domain.Task
	if err := sonic.Unmarshal(env.Data, &gotTask); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	if gotTask.ID != updated.ID || gotTask.Status != domain.StatusDone {
		t.Fatalf("pushed task = %+v, want %+v", gotTask, updated)
	}
}

func TestMemberEventsCarryProjectScope(t *testing.T) {
	_, ts := startServer(t, Config{})
	listener := dialWS(t, ts.URL, "")

	client := newAPIClient(t, ts.URL, "")
	ctx := context.Background()

	project, err := client.CreateProject(ctx, "hiring")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	member, err := client.AddMember(ctx, project.ID, domain.Member{Name: "Sam", Email: "sam@example.com"})
	if err != nil {
		t.Fatalf("add member: %v", err)
	}

	f := listener.waitFor(t, domain.EventMemberAdded)
	env, err := domain.Normalize(f.Event, f.Data)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	var got domain.Member
	if err := sonic.Unmarshal(env.Data, &got); err != nil {
		t.Fatalf("decode member: %v", err)
	}
	if got.ID != member.ID || got.ProjectID != project.ID || got.Email != "sam@example.com" {
		t.Fatalf("pushed member = %+v", got)
	}

	if _, err := client.AddMember(ctx, project.ID, domain.Member{Name: "Sam", Email: "sam@example.com"}); err == nil {
		t.Fatal("expected conflict on duplicate membership")
	}
}

func TestAuthRejectsAndAccepts(t *testing.T) {
	srv, ts := startServer(t, Config{Secret: "board-secret"})

	resp, err := http.Get(ts.URL + "/projects")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", resp.StatusCode)
	}

	token, err := srv.Auth().Mint("user-1", time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	client := newAPIClient(t, ts.URL, token)
	if _, err := client.CreateProject(context.Background(), "secured"); err != nil {
		t.Fatalf("authenticated create: %v", err)
	}

	// Websocket upgrades pass the token as a query parameter.
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	if _, _, err := websocket.DefaultDialer.Dial(wsURL, nil); err == nil {
		t.Fatal("expected dial without token to fail")
	}
	dialWS(t, ts.URL, token)

	expired, err := srv.Auth().Mint("user-1", -time.Minute)
	if err != nil {
		t.Fatalf("mint expired: %v", err)
	}
	if _, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+expired, nil); err == nil {
		t.Fatal("expected dial with expired token to fail")
	}
}

func TestRedisBridgeFansOutAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	rcA := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rcB := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rcA.Close()
		rcB.Close()
	})

	_, tsA := startServer(t, Config{Redis: rcA, Channel: "board-test"})
	_, tsB := startServer(t, Config{Redis: rcB, Channel: "board-test"})

	// Give instance B's subscriber time to attach before publishing.
	time.Sleep(50 * time.Millisecond)

	listenerB := dialWS(t, tsB.URL, "")

	client := newAPIClient(t, tsA.URL, "")
	project, err := client.CreateProject(context.Background(), "cross-instance")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}

	f := listenerB.waitFor(t, domain.EventProjectCreated)
	env, err := domain.Normalize(f.Event, f.Data)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	var got domain.Project
	if err := sonic.Unmarshal(env.Data, &got); err != nil {
		t.Fatalf("decode project: %v", err)
	}
	if got != project {
		t.Fatalf("bridged project = %+v, want %+v", got, project)
	}
}

func TestHelloIsFirstFrameUnderBroadcastLoad(t *testing.T) {
	_, ts := startServer(t, Config{})
	client := newAPIClient(t, ts.URL, "")

	// A continuous mutation storm keeps the hub selecting broadcasts while
	// new connections register.
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			if _, err := client.CreateProject(context.Background(), "storm"); err != nil {
				return
			}
		}
	}()
	t.Cleanup(func() {
		close(stop)
		<-done
	})

	// dialWS fails the test if anything precedes connection_established.
	for i := 0; i < 20; i++ {
		dialWS(t, ts.URL, "")
	}
}

func TestBridgeStopsOnContextCancel(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rc.Close() })

	logger := log.New()
	logger.SetLevel(log.ErrorLevel)
	srv := New(Config{Redis: rc, Channel: "board-cancel", Logger: logger})
	ctx, cancel := context.WithCancel(context.Background())
	go srv.Run(ctx)

	probe := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { probe.Close() })
	subscribed := func() int64 {
		counts, err := probe.PubSubNumSub(context.Background(), "board-cancel").Result()
		if err != nil {
			t.Fatalf("pubsub numsub: %v", err)
		}
		return counts["board-cancel"]
	}

	deadline := time.Now().Add(2 * time.Second)
	for subscribed() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("bridge never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	deadline = time.Now().Add(2 * time.Second)
	for subscribed() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("bridge subscription survived context cancellation")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEmitDoesNotBlockWithoutHub(t *testing.T) {
	logger := log.New()
	logger.SetLevel(log.PanicLevel)
	srv := New(Config{Logger: logger})
	// Run is never started: the broadcast queue has no consumer.

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			srv.emit(domain.EventProjectCreated, domain.Project{ID: int64(i), Name: "orphan"})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("emit blocked on a full broadcast queue")
	}
}

func TestDeleteProjectCascades(t *testing.T) {
	st := newStore()
	p := st.createProject("temp")
	if _, err := st.createTask(domain.Task{Title: "a", ProjectID: p.ID}); err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := st.deleteProject(p.ID); err != nil {
		t.Fatalf("delete project: %v", err)
	}
	if _, err := st.listTasks(p.ID); err == nil {
		t.Fatal("expected listTasks on deleted project to fail")
	}
	if len(st.tasks) != 0 {
		t.Fatalf("tasks remaining = %d, want 0", len(st.tasks))
	}
}

func TestDuplicateEmailRejected(t *testing.T) {
	st := newStore()
	if _, err := st.createUser(domain.Member{Name: "A", Email: "a@example.com"}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if _, err := st.createUser(domain.Member{Name: "B", Email: "a@example.com"}); err == nil {
		t.Fatal("expected duplicate email to be rejected")
	}
}
