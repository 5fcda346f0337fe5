// Package boardsync keeps a local mirror of a shared project board in sync
// with its server: a websocket push channel with automatic reconnection, an
// event bus fanning pushes out to per-entity collections, and optimistic
// local mutations that reconcile against server responses without ever
// clobbering newer remote writes.
package boardsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"boardsync/api"
	"boardsync/bus"
	"boardsync/collection"
	"boardsync/domain"
	"boardsync/transport"
)

// Config holds the client dependencies. URL is required.
type Config struct {
	// URL is the websocket endpoint, e.g. "ws://localhost:8000/ws".
	URL string
	// APIURL is the HTTP endpoint for CRUD requests. When empty it is
	// derived from URL by swapping the scheme and dropping the /ws path.
	APIURL string
	// Token is sent on both channels: as a bearer header on CRUD requests
	// and as the token query parameter on the websocket dial.
	Token string

	// MaxReconnectAttempts and ReconnectBaseDelay tune the retry policy.
	// Zero selects the defaults.
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration

	HTTPClient *http.Client
	Logger     *log.Logger
}

// Client owns the shared machinery of a sync session: one bus, one push
// channel, one CRUD client. Views are created from it and torn down
// independently of it.
type Client struct {
	logger *log.Logger
	b      *bus.Bus
	tr     *transport.Transport
	rec    *transport.Reconnector
	status *bus.StatusStore
	api    *api.Client

	mu     sync.Mutex
	opened bool
}

// NewClient assembles a client. Nothing connects until Open.
func NewClient(cfg Config) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	apiURL := cfg.APIURL
	if apiURL == "" {
		derived, err := deriveAPIURL(cfg.URL)
		if err != nil {
			return nil, err
		}
		apiURL = derived
	}

	b := bus.New(logger)
	tr, err := transport.New(transport.Config{
		URL:    cfg.URL,
		Token:  cfg.Token,
		Bus:    b,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	apiClient, err := api.NewClient(api.Config{
		BaseURL:    apiURL,
		Token:      cfg.Token,
		HTTPClient: cfg.HTTPClient,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	return &Client{
		logger: logger,
		b:      b,
		tr:     tr,
		rec:    transport.NewReconnector(tr, b, cfg.MaxReconnectAttempts, cfg.ReconnectBaseDelay, logger),
		status: bus.NewStatusStore(b, logger),
		api:    apiClient,
	}, nil
}

// Open establishes the push channel. Calling it again on an open client is a
// no-op. A failed first dial is not an error: the reconnector keeps retrying
// under its normal policy and the outcome lands in Status.
func (c *Client) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.opened {
		c.mu.Unlock()
		return nil
	}
	c.opened = true
	c.mu.Unlock()
	return c.rec.Run(ctx)
}

// Close tears the session down: pending retries are canceled and the
// connection is closed without triggering reconnection.
func (c *Client) Close() {
	c.mu.Lock()
	c.opened = false
	c.mu.Unlock()
	c.rec.Stop()
	c.tr.Disconnect()
	c.status.Close()
}

// Status returns the latest connection status snapshot.
func (c *Client) Status() bus.ConnectionStatus {
	return c.status.Status()
}

// Bus exposes the event bus for callers that want raw event access next to
// the synchronized collections.
func (c *Client) Bus() *bus.Bus { return c.b }

// API exposes the CRUD client.
func (c *Client) API() *api.Client { return c.api }

// ProjectList is the unscoped project collection, live against push events.
type ProjectList struct {
	*collection.Synchronizer[domain.Project]
	subs      []*bus.Subscription
	closeOnce sync.Once
}

// Close releases the list's bus subscriptions. The client stays open.
func (l *ProjectList) Close() {
	l.closeOnce.Do(func() {
		for _, sub := range l.subs {
			sub.Cancel()
		}
	})
}

// Projects fetches every project and returns a collection that keeps
// following project pushes until closed.
func (c *Client) Projects(ctx context.Context) (*ProjectList, error) {
	coll := collection.New[domain.Project](nil, c.logger)
	subs := coll.Bind(c.b, domain.EntityProject)

	projects, err := c.api.Projects(ctx)
	if err != nil {
		for _, sub := range subs {
			sub.Cancel()
		}
		return nil, fmt.Errorf("boardsync: fetch projects: %w", err)
	}
	coll.Load(projects)
	return &ProjectList{Synchronizer: coll, subs: subs}, nil
}

// deriveAPIURL maps a websocket endpoint to its HTTP sibling:
// ws://host/ws becomes http://host, wss becomes https.
func deriveAPIURL(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", fmt.Errorf("boardsync: invalid URL %q: %w", wsURL, err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", errors.New("boardsync: URL scheme must be ws, wss, http or https")
	}
	u.Path = strings.TrimSuffix(u.Path, "/ws")
	u.RawQuery = ""
	return u.String(), nil
}
