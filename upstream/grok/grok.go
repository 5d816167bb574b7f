// Package grok implements imagerouter.Caller against the Grok Imagine
// WebSocket endpoint.
package grok

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ineyio/imagerouter"
)

const (
	DefaultWSURL        = "wss://grok.com/ws/imagine/listen"
	DefaultBirthDateURL = "https://grok.com/rest/auth/set-birth-date"
	birthDate           = "2001-01-01T16:00:00.000Z"
	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

	defaultAspectRatio = "2:3"
	defaultImageCount  = 4

	// Final images are JPEGs above this many base64 characters; medium
	// previews above mediumBlobSize.
	finalBlobSize  = 100000
	mediumBlobSize = 30000
)

var imageIDPattern = regexp.MustCompile(`/images/([a-f0-9-]+)\.(png|jpg)`)

// Caller generates images over the imagine WebSocket.
type Caller struct {
	wsURL        string
	dialer       *websocket.Dialer
	birthDateURL string
	cfClearance  string
	httpClient   *http.Client
	userAgent    string
	imageCount   int
	blockedAfter time.Duration
	idleAfter    time.Duration
	tick         time.Duration
	logger       *slog.Logger
}

var (
	_ imagerouter.Caller      = (*Caller)(nil)
	_ imagerouter.AgeVerifier = (*Caller)(nil)
)

// Option configures Caller.
type Option func(*Caller)

// WithWSURL overrides the WebSocket endpoint.
func WithWSURL(u string) Option {
	return func(c *Caller) { c.wsURL = u }
}

// WithProxy routes the WebSocket handshake and age verification through an
// HTTP proxy.
func WithProxy(proxy *url.URL) Option {
	return func(c *Caller) {
		if proxy != nil {
			c.dialer.Proxy = http.ProxyURL(proxy)
			c.httpClient.Transport = &http.Transport{Proxy: http.ProxyURL(proxy)}
		}
	}
}

// WithBirthDateURL overrides the age verification endpoint.
func WithBirthDateURL(u string) Option {
	return func(c *Caller) { c.birthDateURL = u }
}

// WithCFClearance adds a cf_clearance cookie to age verification requests.
func WithCFClearance(v string) Option {
	return func(c *Caller) { c.cfClearance = v }
}

// WithDefaultImageCount sets n when the request leaves it unset.
func WithDefaultImageCount(n int) Option {
	return func(c *Caller) { c.imageCount = n }
}

// WithBlockedAfter sets how long a medium preview may wait for a final image
// before the generation is reported as blocked.
func WithBlockedAfter(d time.Duration) Option {
	return func(c *Caller) { c.blockedAfter = d }
}

// WithIdleAfter sets how long to wait for more images once at least one
// final image arrived.
func WithIdleAfter(d time.Duration) Option {
	return func(c *Caller) { c.idleAfter = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Caller) { c.logger = l }
}

// New creates a Caller.
func New(opts ...Option) *Caller {
	c := &Caller{
		wsURL: DefaultWSURL,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 30 * time.Second,
		},
		birthDateURL: DefaultBirthDateURL,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		userAgent:    defaultUserAgent,
		imageCount:   defaultImageCount,
		blockedAfter: 15 * time.Second,
		idleAfter:    10 * time.Second,
		tick:         time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	// Check windows at a fraction of the shortest one.
	for _, w := range []time.Duration{c.blockedAfter, c.idleAfter} {
		if w > 0 && w/5 < c.tick {
			c.tick = max(w/5, 10*time.Millisecond)
		}
	}
	return c
}

type generateMessage struct {
	Type      string      `json:"type"`
	Timestamp int64       `json:"timestamp"`
	Item      messageItem `json:"item"`
}

type messageItem struct {
	Type    string         `json:"type"`
	Content []inputContent `json:"content"`
}

type inputContent struct {
	RequestID  string          `json:"requestId"`
	Text       string          `json:"text"`
	Type       string          `json:"type"`
	Properties inputProperties `json:"properties"`
}

type inputProperties struct {
	SectionCount  int    `json:"section_count"`
	IsKidsMode    bool   `json:"is_kids_mode"`
	EnableNSFW    bool   `json:"enable_nsfw"`
	SkipUpsampler bool   `json:"skip_upsampler"`
	IsInitial     bool   `json:"is_initial"`
	AspectRatio   string `json:"aspect_ratio"`
}

// frame is one server message. Only image and error frames matter.
type frame struct {
	Type    string `json:"type"`
	URL     string `json:"url"`
	Blob    string `json:"blob"`
	ErrCode string `json:"err_code"`
	ErrMsg  string `json:"err_msg"`
}

type image struct {
	url   string
	blob  string
	final bool
}

// VerifyAge submits a fixed adult birth date for the account behind secret.
func (c *Caller) VerifyAge(ctx context.Context, secret string) error {
	body, err := json.Marshal(map[string]string{"birthDate": birthDate})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.birthDateURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("grok: build age verification request: %w", err)
	}
	cookie := fmt.Sprintf("sso=%s; sso-rw=%s", secret, secret)
	if c.cfClearance != "" {
		cookie += "; cf_clearance=" + c.cfClearance
	}
	req.Header.Set("Cookie", cookie)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", "https://grok.com")
	req.Header.Set("Referer", "https://grok.com/")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("grok: age verification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return &imagerouter.UpstreamError{StatusCode: resp.StatusCode, Message: "age verification: " + string(msg)}
	}
	return nil
}

// Call runs one generation with secret as the SSO cookie.
func (c *Caller) Call(ctx context.Context, secret string, req imagerouter.GenerationRequest) (imagerouter.MediaResult, error) {
	n := req.Count
	if n <= 0 {
		n = c.imageCount
	}
	aspect := req.AspectRatio
	if aspect == "" {
		aspect = defaultAspectRatio
	}

	header := http.Header{}
	header.Set("Cookie", fmt.Sprintf("sso=%s; sso-rw=%s", secret, secret))
	header.Set("Origin", "https://grok.com")
	header.Set("User-Agent", c.userAgent)
	header.Set("Accept-Language", "en-US,en;q=0.9")
	header.Set("Cache-Control", "no-cache")
	header.Set("Pragma", "no-cache")

	conn, resp, err := c.dialer.DialContext(ctx, c.wsURL, header)
	if err != nil {
		if ctx.Err() != nil {
			return imagerouter.MediaResult{}, ctx.Err()
		}
		if resp != nil {
			return imagerouter.MediaResult{}, &imagerouter.UpstreamError{
				StatusCode: resp.StatusCode,
				Message:    "websocket handshake rejected",
			}
		}
		return imagerouter.MediaResult{}, &imagerouter.UpstreamError{Message: "websocket dial: " + err.Error()}
	}
	defer conn.Close()

	msg := generateMessage{
		Type:      "conversation.item.create",
		Timestamp: time.Now().UnixMilli(),
		Item: messageItem{
			Type: "message",
			Content: []inputContent{{
				RequestID: uuid.New().String(),
				Text:      req.Prompt,
				Type:      "input_text",
				Properties: inputProperties{
					EnableNSFW:  req.EnableNSFW,
					AspectRatio: aspect,
				},
			}},
		},
	}
	if err := conn.WriteJSON(msg); err != nil {
		return imagerouter.MediaResult{}, &imagerouter.UpstreamError{Message: "websocket send: " + err.Error()}
	}

	return c.collect(ctx, conn, n)
}

func (c *Caller) collect(ctx context.Context, conn *websocket.Conn, n int) (imagerouter.MediaResult, error) {
	frames := make(chan []byte)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- data:
			case <-done:
				return
			}
		}
	}()

	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()

	var (
		images       = make(map[string]image)
		order        []string
		finals       int
		lastErr      *imagerouter.UpstreamError
		mediumAt     time.Time
		lastActivity = time.Now()
	)

	blocked := func() bool {
		return finals == 0 && !mediumAt.IsZero() && time.Since(mediumAt) > c.blockedAfter
	}

loop:
	for finals < n {
		select {
		case <-ctx.Done():
			return imagerouter.MediaResult{}, ctx.Err()

		case err := <-readErr:
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("imagine websocket closed", "error", err)
			}
			break loop

		case <-ticker.C:
			if blocked() {
				return imagerouter.MediaResult{}, blockedError()
			}
			if finals > 0 && time.Since(lastActivity) > c.idleAfter {
				break loop
			}

		case data := <-frames:
			lastActivity = time.Now()
			var f frame
			if err := json.Unmarshal(data, &f); err != nil {
				continue
			}

			switch f.Type {
			case "image":
				if f.URL == "" || f.Blob == "" {
					continue
				}
				m := imageIDPattern.FindStringSubmatch(f.URL)
				if m == nil {
					continue
				}
				id := m[1]
				img := image{
					url:   f.URL,
					blob:  f.Blob,
					final: strings.HasSuffix(f.URL, ".jpg") && len(f.Blob) > finalBlobSize,
				}
				if !img.final && len(f.Blob) > mediumBlobSize && mediumAt.IsZero() {
					mediumAt = time.Now()
				}
				prev, seen := images[id]
				if seen && prev.final {
					continue
				}
				if !seen {
					order = append(order, id)
				}
				images[id] = img
				if img.final {
					finals++
				}

			case "error":
				lastErr = &imagerouter.UpstreamError{Code: f.ErrCode, Message: f.ErrMsg}
				if f.ErrCode == "rate_limit_exceeded" {
					return imagerouter.MediaResult{}, lastErr
				}
			}

			if blocked() {
				return imagerouter.MediaResult{}, blockedError()
			}
		}
	}

	var res imagerouter.MediaResult
	for _, id := range order {
		img := images[id]
		if !img.final || len(res.URLs) >= n {
			continue
		}
		res.URLs = append(res.URLs, img.url)
		res.B64JSON = append(res.B64JSON, img.blob)
	}

	switch {
	case len(res.URLs) > 0:
		return res, nil
	case lastErr != nil:
		return imagerouter.MediaResult{}, lastErr
	case !mediumAt.IsZero():
		return imagerouter.MediaResult{}, blockedError()
	default:
		return imagerouter.MediaResult{}, &imagerouter.UpstreamError{Message: "no image data received"}
	}
}

func blockedError() error {
	return &imagerouter.UpstreamError{Code: "blocked", Message: "medium preview received but no final image"}
}

// IsBlocked reports whether err is a blocked generation.
func IsBlocked(err error) bool {
	var ue *imagerouter.UpstreamError
	return errors.As(err, &ue) && ue.Code == "blocked"
}
