package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/IvanBrykalov/txcache/internal/logging"
	"github.com/IvanBrykalov/txcache/object"
	"github.com/IvanBrykalov/txcache/protocol"
)

// HTTPOptions configures HTTPDialer. Zero values are safe:
//   - Timeout <= 0      => 10s per attempt
//   - RetryMax < 0      => 0
//   - RetryWaitMin <= 0 => 50ms
//   - RetryWaitMax <= 0 => 1s
type HTTPOptions struct {
	Timeout      time.Duration
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	Logger       *zap.Logger
}

// HTTPDialer opens HTTP connections to nodes. Every request is retried on
// connectivity failures and 503 answers; all node operations are safe to
// repeat (prepare, commit and rollback are idempotent per transaction id).
type HTTPDialer struct {
	client *retryablehttp.Client
	logger *zap.Logger
}

var _ Dialer = (*HTTPDialer)(nil)

// NewHTTPDialer builds a dialer sharing one retrying HTTP client.
func NewHTTPDialer(opt HTTPOptions) *HTTPDialer {
	if opt.Timeout <= 0 {
		opt.Timeout = 10 * time.Second
	}
	if opt.RetryMax < 0 {
		opt.RetryMax = 0
	}
	if opt.RetryWaitMin <= 0 {
		opt.RetryWaitMin = 50 * time.Millisecond
	}
	if opt.RetryWaitMax <= 0 {
		opt.RetryWaitMax = time.Second
	}
	logger := logging.Subsystem(opt.Logger, "http", "client")

	c := retryablehttp.NewClient()
	c.HTTPClient.Timeout = opt.Timeout
	c.RetryMax = opt.RetryMax
	c.RetryWaitMin = opt.RetryWaitMin
	c.RetryWaitMax = opt.RetryWaitMax
	c.Logger = leveledLogger{logger.Sugar()}
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler
	c.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if err != nil {
			return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
		}
		return resp.StatusCode == http.StatusServiceUnavailable, nil
	}
	return &HTTPDialer{client: c, logger: logger}
}

// Dial checks that the node at addr answers and returns a connection.
// addr is a base URL or host:port.
func (d *HTTPDialer) Dial(ctx context.Context, addr string) (Conn, error) {
	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	base = strings.TrimRight(base, "/")
	c := &httpConn{client: d.client, base: base, addr: addr}
	if err := c.do(ctx, http.MethodGet, "/v1/ping", nil, nil); err != nil {
		return nil, err
	}
	return c, nil
}

type httpConn struct {
	client *retryablehttp.Client
	base   string
	addr   string
	broken atomic.Bool
	closed atomic.Bool
}

func (c *httpConn) Addr() string { return c.addr }
func (c *httpConn) Valid() bool  { return !c.broken.Load() && !c.closed.Load() }
func (c *httpConn) Close() error { c.closed.Store(true); return nil }

func objectPath(typ string, key object.KeyValue) string {
	return "/v1/objects/" + url.PathEscape(typ) + "/" + key.Kind() + "/" + url.PathEscape(key.String())
}

func (c *httpConn) Get(ctx context.Context, typ string, key object.KeyValue) (*object.CachedObject, error) {
	var obj object.CachedObject
	if err := c.do(ctx, http.MethodGet, objectPath(typ, key), nil, &obj); err != nil {
		return nil, err
	}
	return &obj, nil
}

func (c *httpConn) Put(ctx context.Context, obj *object.CachedObject) error {
	return c.do(ctx, http.MethodPut, "/v1/objects", obj, nil)
}

func (c *httpConn) Delete(ctx context.Context, typ string, key object.KeyValue) error {
	return c.do(ctx, http.MethodDelete, objectPath(typ, key), nil, nil)
}

func (c *httpConn) Scan(ctx context.Context, typ string) ([]*object.CachedObject, error) {
	var objs []*object.CachedObject
	err := c.do(ctx, http.MethodGet, "/v1/objects/"+url.PathEscape(typ), nil, &objs)
	return objs, err
}

func (c *httpConn) Count(ctx context.Context, typ string) (int, error) {
	var resp countResponse
	err := c.do(ctx, http.MethodGet, "/v1/count/"+url.PathEscape(typ), nil, &resp)
	return resp.Count, err
}

func (c *httpConn) Prepare(ctx context.Context, req protocol.PrepareRequest) (protocol.PrepareResponse, error) {
	var resp protocol.PrepareResponse
	err := c.do(ctx, http.MethodPost, "/v1/txn/prepare", req, &resp)
	return resp, err
}

func (c *httpConn) Commit(ctx context.Context, txID string) error {
	return c.do(ctx, http.MethodPost, "/v1/txn/"+url.PathEscape(txID)+"/commit", nil, nil)
}

func (c *httpConn) Rollback(ctx context.Context, txID string) error {
	return c.do(ctx, http.MethodPost, "/v1/txn/"+url.PathEscape(txID)+"/rollback", nil, nil)
}

func (c *httpConn) GenerateUniqueIDs(ctx context.Context, sequence string, count int) ([]int64, error) {
	var resp sequenceResponse
	path := "/v1/sequences/" + url.PathEscape(sequence) + "?count=" + strconv.Itoa(count)
	err := c.do(ctx, http.MethodPost, path, nil, &resp)
	return resp.IDs, err
}

func (c *httpConn) Compact(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/admin/compact", nil, nil)
}

// do sends one request. Connectivity failures mark the connection broken and
// surface as NodeUnavailable; error answers are decoded into *protocol.Error.
func (c *httpConn) do(ctx context.Context, method, path string, in, out any) error {
	var body interface{}
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "encoding request")
		}
		body = b
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return errors.Wrapf(err, "building %s %s", method, path)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.broken.Store(true)
		return protocol.Wrap(protocol.KindNodeUnavailable, errors.Wrapf(err, "%s %s", method, path)).WithNode(c.addr)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return c.decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		c.broken.Store(true)
		return protocol.Wrap(protocol.KindNodeUnavailable, errors.Wrap(err, "decoding response")).WithNode(c.addr)
	}
	return nil
}

func (c *httpConn) decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var pe protocol.Error
	if err := json.NewDecoder(bytes.NewReader(raw)).Decode(&pe); err != nil || pe.Kind == "" {
		if resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == http.StatusBadGateway {
			c.broken.Store(true)
			return protocol.Errorf(protocol.KindNodeUnavailable, "%s", resp.Status).WithNode(c.addr)
		}
		return protocol.Errorf(protocol.KindInternal, "%s: %s", resp.Status, strings.TrimSpace(string(raw))).WithNode(c.addr)
	}
	if pe.Node == "" {
		pe.Node = c.addr
	}
	return &pe
}

// leveledLogger adapts zap to retryablehttp.LeveledLogger.
type leveledLogger struct{ s *zap.SugaredLogger }

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.s.Errorw(msg, kv...) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.s.Debugw(msg, kv...) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }

var _ retryablehttp.LeveledLogger = leveledLogger{}
