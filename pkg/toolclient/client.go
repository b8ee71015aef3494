// Package toolclient is the sole network egress of the execution core.
// It speaks JSON-RPC 2.0 to tool servers addressed by mcp:// URIs and
// classifies every failure into the typed error taxonomy so the
// executor can make retry decisions without inspecting payloads.
package toolclient

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

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/patina/patina/pkg/engine"
)

// DefaultCallTimeout bounds one tool invocation.
const DefaultCallTimeout = 30 * time.Second

// maxResponseBytes bounds a tool server response body.
const maxResponseBytes = 8 * 1024 * 1024

// jsonrpcMethodNotFound is the JSON-RPC 2.0 code for unknown methods.
const jsonrpcMethodNotFound = -32601

// ServerConfig describes one tool server.
type ServerConfig struct {
	// Name is the server identifier, also the default tool prefix:
	// tools "fs.read" and "fs.write" route to the server named "fs".
	Name string `json:"name" yaml:"name" validate:"required"`

	// URI is the server address, mcp://host:port[/path].
	URI string `json:"uri" yaml:"uri" validate:"required"`

	// Version pins the schema generation. Schemas are cached per
	// name@version and never refreshed while a run is in flight.
	Version string `json:"version" yaml:"version" validate:"required"`

	// Tools optionally lists tools served here, overriding the
	// prefix route.
	Tools []string `json:"tools,omitempty" yaml:"tools,omitempty"`
}

// SchemaStore persists schema snapshots across restarts. Keys are
// name@version/tool; entries are immutable once written.
type SchemaStore interface {
	GetSchema(ctx context.Context, key string) (json.RawMessage, error)
	PutSchema(ctx context.Context, key string, schema json.RawMessage) error
}

// Config configures the client.
type Config struct {
	Servers     []ServerConfig
	CallTimeout time.Duration
	HTTPClient  *http.Client
	SchemaStore SchemaStore
	Logger      zerolog.Logger
}

// Client routes tool invocations to their servers.
type Client struct {
	servers  map[string]*ServerConfig // by server name
	byTool   map[string]*ServerConfig // explicit tool routes
	timeout  time.Duration
	http     *http.Client
	persist  SchemaStore
	logger   zerolog.Logger
	schemaMu sync.RWMutex
	schemas  map[string]json.RawMessage // name@version/tool -> schema
}

// NewClient creates a tool client from config.
func NewClient(cfg Config) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, fmt.Errorf("at least one tool server is required")
	}
	timeout := cfg.CallTimeout
	if timeout == 0 {
		timeout = DefaultCallTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	c := &Client{
		servers: make(map[string]*ServerConfig, len(cfg.Servers)),
		byTool:  make(map[string]*ServerConfig),
		timeout: timeout,
		http:    httpClient,
		persist: cfg.SchemaStore,
		logger:  cfg.Logger.With().Str("component", "toolclient").Logger(),
		schemas: make(map[string]json.RawMessage),
	}
	for i := range cfg.Servers {
		srv := &cfg.Servers[i]
		if _, dup := c.servers[srv.Name]; dup {
			return nil, fmt.Errorf("duplicate tool server %q", srv.Name)
		}
		if _, err := endpointURL(srv.URI); err != nil {
			return nil, fmt.Errorf("server %q: %w", srv.Name, err)
		}
		c.servers[srv.Name] = srv
		for _, tool := range srv.Tools {
			c.byTool[tool] = srv
		}
	}
	return c, nil
}

// Resolve returns the server responsible for a tool name.
func (c *Client) Resolve(tool string) (*ServerConfig, *engine.Error) {
	if srv, ok := c.byTool[tool]; ok {
		return srv, nil
	}
	prefix := tool
	if idx := strings.IndexByte(tool, '.'); idx > 0 {
		prefix = tool[:idx]
	}
	if srv, ok := c.servers[prefix]; ok {
		return srv, nil
	}
	return nil, engine.NewError(engine.ErrorKindTool, engine.CodeToolNotFound,
		fmt.Sprintf("no server registered for tool %s", tool), nil)
}

// Invoke calls one tool. The result is the tool's decoded JSON result
// value. Errors are typed: timeouts and transport failures are
// retriable, tool-reported failures are not unless the server says so.
func (c *Client) Invoke(ctx context.Context, tool string, args map[string]any) (any, *engine.Error) {
	srv, rerr := c.Resolve(tool)
	if rerr != nil {
		return nil, rerr
	}

	params := map[string]any{"name": tool, "arguments": args}
	var result any
	if err := c.call(ctx, srv, "tools/call", params, &result); err != nil {
		return nil, err
	}
	c.logger.Debug().Str("tool", tool).Str("server", srv.Name).Msg("tool invoked")
	return result, nil
}

// Schema returns the tool's input schema, served from the per-version
// cache after first fetch. A new schema generation requires a new
// server version, so in-flight runs always see one consistent schema.
func (c *Client) Schema(ctx context.Context, tool string) (json.RawMessage, *engine.Error) {
	srv, rerr := c.Resolve(tool)
	if rerr != nil {
		return nil, rerr
	}
	key := srv.Name + "@" + srv.Version + "/" + tool

	c.schemaMu.RLock()
	cached, ok := c.schemas[key]
	c.schemaMu.RUnlock()
	if ok {
		return cached, nil
	}

	if c.persist != nil {
		if stored, err := c.persist.GetSchema(ctx, key); err == nil {
			c.schemaMu.Lock()
			c.schemas[key] = stored
			c.schemaMu.Unlock()
			return stored, nil
		}
	}

	var schema json.RawMessage
	if err := c.call(ctx, srv, "tools/schema", map[string]any{"name": tool}, &schema); err != nil {
		return nil, err
	}

	c.schemaMu.Lock()
	c.schemas[key] = schema
	c.schemaMu.Unlock()
	if c.persist != nil {
		if err := c.persist.PutSchema(ctx, key, schema); err != nil {
			c.logger.Warn().Err(err).Str("key", key).Msg("persist schema")
		}
	}
	return schema, nil
}

// SchemaVersions returns the pinned server versions, sorted input not
// required; used in cache keys for result reuse.
func (c *Client) SchemaVersions() map[string]string {
	out := make(map[string]string, len(c.servers))
	for name, srv := range c.servers {
		out[name] = srv.Version
	}
	return out
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// call performs one JSON-RPC round trip.
func (c *Client) call(ctx context.Context, srv *ServerConfig, method string, params, result any) *engine.Error {
	endpoint, _ := endpointURL(srv.URI)

	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      uuid.New().String(),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return engine.NewError(engine.ErrorKindTool, engine.CodeToolFailed,
			"unserializable tool arguments", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return engine.NewError(engine.ErrorKindTool, engine.CodeToolFailed,
			"build tool request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() == context.DeadlineExceeded {
			return engine.NewError(engine.ErrorKindTool, engine.CodeToolTimeout,
				fmt.Sprintf("tool server %s timed out", srv.Name), err).AsRetriable()
		}
		return engine.NewError(engine.ErrorKindTool, engine.CodeToolFailed,
			fmt.Sprintf("tool server %s unreachable", srv.Name), err).AsRetriable()
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return engine.NewError(engine.ErrorKindTool, engine.CodeRateLimited,
			fmt.Sprintf("tool server %s rate limited the call", srv.Name), nil).AsRetriable()
	case resp.StatusCode >= 500:
		return engine.NewError(engine.ErrorKindTool, engine.CodeToolFailed,
			fmt.Sprintf("tool server %s returned status %d", srv.Name, resp.StatusCode), nil).
			AsRetriable()
	case resp.StatusCode >= 400:
		return engine.NewError(engine.ErrorKindTool, engine.CodeToolFailed,
			fmt.Sprintf("tool server %s returned status %d", srv.Name, resp.StatusCode), nil)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return engine.NewError(engine.ErrorKindTool, engine.CodeToolFailed,
			"read tool response", err).AsRetriable()
	}
	if len(raw) > maxResponseBytes {
		return engine.NewError(engine.ErrorKindTool, engine.CodeToolFailed,
			fmt.Sprintf("tool response exceeds %d bytes", maxResponseBytes), nil)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return engine.NewError(engine.ErrorKindTool, engine.CodeToolFailed,
			"undecodable tool response", err)
	}
	if rpcResp.Error != nil {
		if rpcResp.Error.Code == jsonrpcMethodNotFound {
			return engine.NewError(engine.ErrorKindTool, engine.CodeToolNotFound,
				rpcResp.Error.Message, nil)
		}
		return engine.NewError(engine.ErrorKindTool, engine.CodeToolFailed,
			rpcResp.Error.Message, nil)
	}
	if result != nil && len(rpcResp.Result) > 0 {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return engine.NewError(engine.ErrorKindTool, engine.CodeToolFailed,
				"undecodable tool result", err)
		}
	}
	return nil
}

// endpointURL maps an mcp:// URI onto its HTTP endpoint.
func endpointURL(uri string) (string, error) {
	switch {
	case strings.HasPrefix(uri, "mcp://"):
		return "http://" + strings.TrimPrefix(uri, "mcp://"), nil
	case strings.HasPrefix(uri, "http://"), strings.HasPrefix(uri, "https://"):
		return uri, nil
	default:
		return "", fmt.Errorf("unsupported tool server URI %q", uri)
	}
}
