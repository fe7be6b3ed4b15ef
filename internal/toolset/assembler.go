// ABOUTME: Assembler merges the tool catalogs of a chat's sources into one Set.
// ABOUTME: Sources connect concurrently; merging runs in source order with last-write-wins.

package toolset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-apps/internal/dedupe"
	"github.com/2389/coven-apps/internal/mcp"
	"github.com/2389/coven-apps/internal/store"
)

// Source is one tool source attached to a chat.
type Source = store.ToolSource

// ErrInvalidSource indicates a source missing its server id or URL.
var ErrInvalidSource = errors.New("invalid tool source")

// Defaults for Config zero values.
const (
	DefaultConcurrency    = 4
	DefaultConnectTimeout = 15 * time.Second
	DefaultWarnWindow     = 10 * time.Minute
)

// Endpoint is a resolved connection target.
type Endpoint struct {
	URL     string
	Headers map[string]string
}

// ServerResolver turns a registered server id into an endpoint for the
// acting user. Headers come from host configuration, never from the chat.
type ServerResolver interface {
	Resolve(ctx context.Context, serverID, userID string) (Endpoint, error)
}

// Connector opens a session to an endpoint.
type Connector interface {
	Connect(ctx context.Context, ep Endpoint) (Session, error)
}

// MCPConnector connects with an MCP Streamable HTTP client.
type MCPConnector struct {
	HTTPClient *http.Client
}

func (c MCPConnector) Connect(ctx context.Context, ep Endpoint) (Session, error) {
	var opts []mcp.ClientOption
	if c.HTTPClient != nil {
		opts = append(opts, mcp.WithHTTPClient(c.HTTPClient))
	}
	client := mcp.NewClient(ep.URL, ep.Headers, opts...)
	if _, err := client.Initialize(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

// Config contains configuration for the Assembler.
type Config struct {
	Resolver       ServerResolver
	Connector      Connector
	Concurrency    int
	ConnectTimeout time.Duration
	WarnWindow     time.Duration
	Logger         *slog.Logger
}

// Assembler builds tool sets. It holds no per-chat state; every Assemble
// opens fresh sessions.
type Assembler struct {
	resolver       ServerResolver
	connector      Connector
	concurrency    int
	connectTimeout time.Duration
	logger         *slog.Logger
	warned         *dedupe.Window
}

func NewAssembler(cfg Config) *Assembler {
	if cfg.Connector == nil {
		cfg.Connector = MCPConnector{}
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.WarnWindow <= 0 {
		cfg.WarnWindow = DefaultWarnWindow
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Assembler{
		resolver:       cfg.Resolver,
		connector:      cfg.Connector,
		concurrency:    cfg.Concurrency,
		connectTimeout: cfg.ConnectTimeout,
		logger:         cfg.Logger.With("component", "toolset"),
		warned:         dedupe.NewWindow(cfg.WarnWindow, 10000),
	}
}

// Close stops the warning dedupe cache.
func (a *Assembler) Close() {
	a.warned.Close()
}

type fetched struct {
	sess  Session
	tools []mcp.ToolInfo
	err   error
}

// Assemble connects to every source and merges their tools. A source that
// fails is reported in Set.Failures and does not affect the others. The
// only error returned is ctx's, in which case no sessions stay open.
func (a *Assembler) Assemble(ctx context.Context, userID string, sources []Source) (*Set, error) {
	results := make([]fetched, len(sources))

	g := new(errgroup.Group)
	g.SetLimit(a.concurrency)
	for i, src := range sources {
		g.Go(func() error {
			results[i] = a.fetch(ctx, userID, src)
			return nil
		})
	}
	_ = g.Wait()

	set := newSet(a.logger)
	if err := ctx.Err(); err != nil {
		for _, r := range results {
			if r.sess != nil {
				set.sessions = append(set.sessions, r.sess)
			}
		}
		_ = set.Close()
		return nil, err
	}

	for i, src := range sources {
		r := results[i]
		label := sourceLabel(src)
		if r.err != nil {
			set.Failures = append(set.Failures, Failure{Source: i, Label: label, Err: r.err})
			a.warn(userID, label, r.err)
			continue
		}
		set.sessions = append(set.sessions, r.sess)

		for _, info := range r.tools {
			if !src.IncludeAllTools && !slices.Contains(src.Tools, info.Name) {
				continue
			}
			t := Tool{
				Name:        info.Name,
				Description: info.Description,
				InputSchema: info.InputSchema,
				Annotations: info.Annotations,
				Source:      i,
				SourceLabel: label,
			}
			if prev, replaced := set.add(t, r.sess); replaced {
				a.logger.Debug("tool name collision, later source wins",
					"tool_name", t.Name,
					"replaced_source", prev.SourceLabel,
					"winning_source", label,
				)
			}
		}
	}

	a.logger.Debug("assembled tool set",
		"user_id", userID,
		"sources", len(sources),
		"tools", set.Len(),
		"failures", len(set.Failures),
	)
	return set, nil
}

func (a *Assembler) fetch(ctx context.Context, userID string, src Source) fetched {
	ep, err := a.endpoint(ctx, userID, src)
	if err != nil {
		return fetched{err: err}
	}

	cctx, cancel := context.WithTimeout(ctx, a.connectTimeout)
	defer cancel()

	sess, err := a.connector.Connect(cctx, ep)
	if err != nil {
		return fetched{err: fmt.Errorf("connecting: %w", err)}
	}
	tools, err := sess.ListTools(cctx)
	if err != nil {
		_ = sess.Close(context.WithoutCancel(ctx))
		return fetched{err: fmt.Errorf("listing tools: %w", err)}
	}
	return fetched{sess: sess, tools: tools}
}

func (a *Assembler) endpoint(ctx context.Context, userID string, src Source) (Endpoint, error) {
	if src.IsRemoteMCP {
		if src.MCPServerID == "" {
			return Endpoint{}, fmt.Errorf("%w: remote source without server id", ErrInvalidSource)
		}
		if a.resolver == nil {
			return Endpoint{}, fmt.Errorf("%w: no server resolver configured", ErrInvalidSource)
		}
		return a.resolver.Resolve(ctx, src.MCPServerID, userID)
	}
	if src.Config == nil || src.Config.URL == "" {
		return Endpoint{}, fmt.Errorf("%w: direct source without url", ErrInvalidSource)
	}
	return Endpoint{URL: src.Config.URL, Headers: src.Config.Headers}, nil
}

// warn logs a source failure once per user and source per warn window.
func (a *Assembler) warn(userID, label string, err error) {
	if a.warned.Seen(userID + "|" + label) {
		a.logger.Debug("tool source unavailable", "user_id", userID, "source", label, "error", err)
		return
	}
	a.logger.Warn("tool source unavailable", "user_id", userID, "source", label, "error", err)
}

func sourceLabel(src Source) string {
	if src.IsRemoteMCP {
		return "server:" + src.MCPServerID
	}
	if src.Config != nil {
		return src.Config.URL
	}
	return "direct"
}
