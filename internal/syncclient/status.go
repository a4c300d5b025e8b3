package syncclient

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// StatusProvider reports network reachability. Changes delivers the latest
// transition; intermediate flips may be coalesced.
type StatusProvider interface {
	Online() bool
	Changes() <-chan bool
}

type ManualStatus struct {
	mu      sync.Mutex
	online  bool
	changes chan bool
}

func NewManualStatus(online bool) *ManualStatus {
	return &ManualStatus{online: online, changes: make(chan bool, 1)}
}

func (s *ManualStatus) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

func (s *ManualStatus) Changes() <-chan bool {
	return s.changes
}

func (s *ManualStatus) Set(online bool) {
	s.mu.Lock()
	changed := s.online != online
	s.online = online
	s.mu.Unlock()
	if changed {
		publishLatest(s.changes, online)
	}
}

// publishLatest replaces an unread transition with the newest one.
func publishLatest(ch chan bool, value bool) {
	for {
		select {
		case ch <- value:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

type LiveStatusOptions struct {
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	ReadTimeout time.Duration
	Logger      *slog.Logger
}

// LiveStatus is online while a websocket to /v1/sync/live stays open and the
// server keeps sending pings.
type LiveStatus struct {
	url         string
	token       string
	minBackoff  time.Duration
	maxBackoff  time.Duration
	readTimeout time.Duration
	logger      *slog.Logger

	online  atomic.Bool
	changes chan bool
}

type liveMessage struct {
	Type       string    `json:"type"`
	UserID     string    `json:"userId,omitempty"`
	ServerTime time.Time `json:"serverTime"`
}

func NewLiveStatus(baseURL, token string, opts LiveStatusOptions) *LiveStatus {
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 45 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &LiveStatus{
		url:         liveURL(baseURL),
		token:       strings.TrimSpace(token),
		minBackoff:  opts.MinBackoff,
		maxBackoff:  opts.MaxBackoff,
		readTimeout: opts.ReadTimeout,
		logger:      opts.Logger,
		changes:     make(chan bool, 1),
	}
}

func liveURL(baseURL string) string {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		baseURL = "wss://" + strings.TrimPrefix(baseURL, "https://")
	case strings.HasPrefix(baseURL, "http://"):
		baseURL = "ws://" + strings.TrimPrefix(baseURL, "http://")
	}
	return baseURL + "/v1/sync/live"
}

func (s *LiveStatus) Online() bool {
	return s.online.Load()
}

func (s *LiveStatus) Changes() <-chan bool {
	return s.changes
}

func (s *LiveStatus) setOnline(online bool) {
	if s.online.Swap(online) != online {
		publishLatest(s.changes, online)
	}
}

// Run keeps the connection up until ctx is done, reconnecting with capped
// exponential backoff.
func (s *LiveStatus) Run(ctx context.Context) error {
	backoff := s.minBackoff
	for {
		connected, err := s.session(ctx)
		s.setOnline(false)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			backoff = s.minBackoff
		}
		s.logger.Debug("live channel disconnected", "error", err, "retry_in", backoff)
		if err := waitWithContext(ctx, backoff); err != nil {
			return err
		}
		backoff *= 2
		if backoff > s.maxBackoff {
			backoff = s.maxBackoff
		}
	}
}

func (s *LiveStatus) session(ctx context.Context) (bool, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.Dial(dialCtx, s.url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + s.token}},
	})
	cancel()
	if err != nil {
		return false, err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	connected := false
	for {
		readCtx, cancel := context.WithTimeout(ctx, s.readTimeout)
		var msg liveMessage
		err := wsjson.Read(readCtx, conn, &msg)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return connected, errors.New("live channel heartbeat timed out")
			}
			return connected, err
		}
		if !connected && msg.Type == "hello" {
			connected = true
			s.setOnline(true)
		}
	}
}
