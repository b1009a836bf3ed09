package treeow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/treeow-bridge/internal/command"
)

// Client defaults.
const (
	DefaultBaseURL    = "https://eziotes.treeow.com.cn/api/"
	DefaultAppVersion = "1.1.8"
	DefaultOSVersion  = "18.5"
	DefaultTimeout    = 15 * time.Second
	DefaultModelTTL   = time.Hour
	DefaultPageSize   = 50
	DefaultHeartbeat  = 10 * time.Second

	maxPages        = 100
	maxResponseSize = 4 << 20
)

// API paths relative to the base URL.
const (
	pathDeviceInfo = "resource/device/info"
	pathDeviceProp = "v3/device/otap/prop"
	pathDeviceList = "resource/v3/device/list/page"
	pathHomeList   = "resource/home/list"
)

// Logger is the logging interface used by the client.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options configures a Client.
type Options struct {
	// BaseURL is the API root. Defaults to DefaultBaseURL.
	BaseURL string

	// Token is the bearer access token of the app account. Required.
	Token string

	// AppVersion and OSVersion build the app user agent.
	AppVersion string
	OSVersion  string

	// Timeout bounds each HTTP request.
	Timeout time.Duration

	// ModelTTL is how long a device's digital model is cached.
	ModelTTL time.Duration

	// PageSize is the device list page size.
	PageSize int

	// Heartbeat is the interval of the online_state keep-alive. Zero
	// disables heartbeats.
	Heartbeat time.Duration

	// VerifyWrite reads each written property back and fails the write on
	// a mismatch.
	VerifyWrite bool

	// PushURL is an optional websocket endpoint for pushed updates.
	PushURL string

	HTTPClient *http.Client
	Logger     Logger
	Clock      func() time.Time
}

// Client talks to the Treeow cloud. It is safe for concurrent use.
type Client struct {
	baseURL     string
	token       string
	userAgent   string
	pageSize    int
	modelTTL    time.Duration
	heartbeat   time.Duration
	verifyWrite bool
	pushURL     string
	httpClient  *http.Client
	logger      Logger
	now         func() time.Time

	mu       sync.RWMutex
	refs     map[string]deviceRef
	models   map[string]modelEntry
	groups   []string
	groupsAt time.Time

	hb heartbeats
}

// NewClient creates a Treeow client.
func NewClient(opts Options) (*Client, error) {
	if opts.Token == "" {
		return nil, errors.New("treeow: access token is required")
	}
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(opts.BaseURL, "/") {
		opts.BaseURL += "/"
	}
	if opts.AppVersion == "" {
		opts.AppVersion = DefaultAppVersion
	}
	if opts.OSVersion == "" {
		opts.OSVersion = DefaultOSVersion
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.ModelTTL <= 0 {
		opts.ModelTTL = DefaultModelTTL
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	return &Client{
		baseURL:     opts.BaseURL,
		token:       opts.Token,
		userAgent:   fmt.Sprintf("Treeow/%s (iPhone; iOS %s; Scale/3.00)", opts.AppVersion, opts.OSVersion),
		pageSize:    opts.PageSize,
		modelTTL:    opts.ModelTTL,
		heartbeat:   opts.Heartbeat,
		verifyWrite: opts.VerifyWrite,
		pushURL:     opts.PushURL,
		httpClient:  opts.HTTPClient,
		logger:      opts.Logger,
		now:         opts.Clock,
		refs:        make(map[string]deviceRef),
		models:      make(map[string]modelEntry),
		hb:          heartbeats{workers: make(map[string]context.CancelFunc)},
	}, nil
}

// SupportsMultiWrite is always false: the Treeow API sets one property
// per call, so the batcher dispatches each key on its own.
func (c *Client) SupportsMultiWrite() bool {
	return false
}

// do sends one API request and returns the checked envelope.
//
// Network failures, timeouts, 429 and 5xx responses wrap
// command.ErrTransient.
func (c *Client) do(ctx context.Context, method, path string, body any, extra http.Header) (*envelope, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(req)
	for k, vs := range extra {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s %s: %w", command.ErrTransient, method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %w", command.ErrTransient, path, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: %s: HTTP %d", ErrUnauthorized, path, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: %s: HTTP %d", command.ErrTransient, path, resp.StatusCode)
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("%w: %s: HTTP %d", ErrAPI, path, resp.StatusCode)
	}

	env, err := decodeEnvelope(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return env, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json;charset=utf8")
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Language", "zh-Hans-CN;q=1, en-US;q=0.9")
	req.Header.Set("clienttype", "2")
	req.Header.Set("User-Agent", c.userAgent)
}
