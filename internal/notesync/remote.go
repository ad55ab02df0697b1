package notesync

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
)

// ContentRef identifies an immutable remote object. The same content always
// yields the same ref, and a ref is never reused for different content.
type ContentRef string

// ContentAddress derives the ref for a payload locally. The remote store must
// agree; a mismatch on upload is treated as a protocol error.
func ContentAddress(data []byte) ContentRef {
	sum := sha256.Sum256(data)
	return ContentRef("sha256-" + hex.EncodeToString(sum[:]))
}

// RemoteStore is the narrow capability contract for the content-addressed
// remote: write-once upload, retrieve by ref, and a readiness probe that
// performs a real round trip.
type RemoteStore interface {
	Upload(ctx context.Context, data []byte) (ContentRef, error)
	Retrieve(ctx context.Context, ref ContentRef) ([]byte, error)
	Ready(ctx context.Context) bool
}

type AccessTokenProvider func(ctx context.Context) (string, error)

// StaticTokenProvider returns the same token for every request.
func StaticTokenProvider(token string) AccessTokenProvider {
	return func(context.Context) (string, error) {
		return token, nil
	}
}

type HTTPRemoteStoreOptions struct {
	BaseURL       string
	TokenProvider AccessTokenProvider
	HTTPClient    *http.Client
	UserAgent     string
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	MaxElapsed    time.Duration
}

// HTTPRemoteStore talks to the remote object service over HTTP. Transient
// failures (timeouts, 429, 5xx) are retried with exponential backoff; 4xx
// responses are permanent and surface immediately.
type HTTPRemoteStore struct {
	baseURL       string
	tokenProvider AccessTokenProvider
	httpClient    *http.Client
	userAgent     string
	initialDelay  time.Duration
	maxDelay      time.Duration
	maxElapsed    time.Duration
}

func NewHTTPRemoteStore(opts HTTPRemoteStoreOptions) (*HTTPRemoteStore, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, ErrInvalidInput
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	initialDelay := opts.InitialDelay
	if initialDelay <= 0 {
		initialDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	maxElapsed := opts.MaxElapsed
	if maxElapsed <= 0 {
		maxElapsed = 15 * time.Second
	}
	return &HTTPRemoteStore{
		baseURL:       baseURL,
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		userAgent:     strings.TrimSpace(opts.UserAgent),
		initialDelay:  initialDelay,
		maxDelay:      maxDelay,
		maxElapsed:    maxElapsed,
	}, nil
}

func (c *HTTPRemoteStore) Upload(ctx context.Context, data []byte) (ContentRef, error) {
	if len(data) == 0 {
		return "", ErrInvalidInput
	}
	want := ContentAddress(data)
	var got ContentRef
	operation := func() error {
		body, err := c.do(ctx, http.MethodPost, "/v1/objects", data)
		if err != nil {
			return err
		}
		var resp struct {
			CID string `json:"cid"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return backoff.Permanent(fmt.Errorf("malformed upload response: %w", err))
		}
		if ContentRef(resp.CID) != want {
			return backoff.Permanent(fmt.Errorf("remote returned ref %s for content %s", resp.CID, want))
		}
		got = ContentRef(resp.CID)
		return nil
	}
	if err := backoff.Retry(operation, c.newBackOff(ctx)); err != nil {
		return "", unwrapRemoteErr(err)
	}
	return got, nil
}

func (c *HTTPRemoteStore) Retrieve(ctx context.Context, ref ContentRef) ([]byte, error) {
	if strings.TrimSpace(string(ref)) == "" {
		return nil, ErrInvalidInput
	}
	var data []byte
	operation := func() error {
		body, err := c.do(ctx, http.MethodGet, "/v1/objects/"+string(ref), nil)
		if err != nil {
			return err
		}
		if ContentAddress(body) != ref {
			return backoff.Permanent(fmt.Errorf("retrieved content does not match ref %s", ref))
		}
		data = body
		return nil
	}
	if err := backoff.Retry(operation, c.newBackOff(ctx)); err != nil {
		return nil, unwrapRemoteErr(err)
	}
	return data, nil
}

func (c *HTTPRemoteStore) Ready(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/readyz", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode >= 200 && resp.StatusCode <= 299
}

func (c *HTTPRemoteStore) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	if c.tokenProvider != nil {
		token, err := c.tokenProvider(ctx)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if strings.TrimSpace(token) != "" {
			req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
		}
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network-level failure: retryable.
		return nil, err
	}
	respBody, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, readErr
	}
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return respBody, nil
	}

	remoteErr := &RemoteError{Status: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
	var parsed map[string]any
	if json.Unmarshal(respBody, &parsed) == nil {
		if code, ok := parsed["code"].(string); ok {
			remoteErr.Code = code
		}
		if message, ok := parsed["message"].(string); ok && strings.TrimSpace(message) != "" {
			remoteErr.Message = message
		}
	}
	if resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599) {
		if wait := parseRetryAfterSeconds(resp.Header.Get("Retry-After")); wait > 0 {
			select {
			case <-ctx.Done():
				return nil, backoff.Permanent(ctx.Err())
			case <-time.After(wait):
			}
		}
		return nil, remoteErr
	}
	return nil, backoff.Permanent(remoteErr)
}

func (c *HTTPRemoteStore) newBackOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialDelay
	b.MaxInterval = c.maxDelay
	b.MaxElapsedTime = c.maxElapsed
	return backoff.WithContext(b, ctx)
}

// unwrapRemoteErr normalizes the error coming out of the retry loop.
// backoff.Retry already unwraps Permanent errors; anything else here means
// retries were exhausted on a transient failure.
func unwrapRemoteErr(err error) error {
	var remoteErr *RemoteError
	if errors.As(err, &remoteErr) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	return err
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

// MemoryRemoteStore is an in-process content-addressed store. Useful for the
// local development profile and for tests; the FailNext counter makes the
// next N calls fail with a transient error.
type MemoryRemoteStore struct {
	mu       sync.Mutex
	objects  map[ContentRef][]byte
	ready    bool
	failNext int
	uploads  int
}

func NewMemoryRemoteStore() *MemoryRemoteStore {
	return &MemoryRemoteStore{
		objects: map[ContentRef][]byte{},
		ready:   true,
	}
}

func (m *MemoryRemoteStore) Upload(ctx context.Context, data []byte) (ContentRef, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext > 0 {
		m.failNext--
		return "", ErrRemoteUnavailable
	}
	ref := ContentAddress(data)
	m.objects[ref] = append([]byte(nil), data...)
	m.uploads++
	return ref, nil
}

func (m *MemoryRemoteStore) Retrieve(ctx context.Context, ref ContentRef) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext > 0 {
		m.failNext--
		return nil, ErrRemoteUnavailable
	}
	data, ok := m.objects[ref]
	if !ok {
		return nil, ErrRemoteNotFound
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryRemoteStore) Ready(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready
}

// SetReady toggles the readiness signal normally supplied by the provisioning
// service.
func (m *MemoryRemoteStore) SetReady(ready bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ready = ready
}

// FailNext makes the next n uploads/retrievals fail transiently.
func (m *MemoryRemoteStore) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
}

// Uploads reports how many uploads have succeeded.
func (m *MemoryRemoteStore) Uploads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uploads
}
