// Package tidewater implements a multi-tenant append-only durable stream
// service as a Caddy HTTP handler. Producers publish ordered byte or JSON
// messages to named streams; consumers read them via catch-up GET,
// long-poll, or Server-Sent Events. Streams are grouped under projects
// with per-project auth, CORS, and visibility, and an estuary subsystem
// fans appends out from source streams to subscriber streams.
package tidewater

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"github.com/caddyserver/caddy/v2/caddyconfig/httpcaddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"go.uber.org/zap"

	"github.com/tidewater-io/tidewater/admin"
	"github.com/tidewater-io/tidewater/auth"
	"github.com/tidewater-io/tidewater/blob"
	"github.com/tidewater-io/tidewater/fanout"
	"github.com/tidewater-io/tidewater/registry"
	"github.com/tidewater-io/tidewater/stream"
)

func init() {
	caddy.RegisterModule(Handler{})
	httpcaddyfile.RegisterHandlerDirective("tidewater", parseCaddyfile)
}

// Handler is the Caddy HTTP handler serving the /v1 stream protocol.
type Handler struct {
	// DataDir is the directory for stream state, the project registry,
	// and segment blobs. If empty, an ephemeral directory plus in-memory
	// blob storage is used (for dev mode and testing).
	DataDir string `json:"data_dir,omitempty"`

	// AdminDB is the path of the DuckDB segment monitoring index.
	// Defaults to admin.duckdb under DataDir; in-memory when ephemeral.
	AdminDB string `json:"admin_db,omitempty"`

	// MaxFileHandles caps the segment-blob file handle cache.
	MaxFileHandles int `json:"max_file_handles,omitempty"`

	// LongPollTimeout bounds how long a live=long-poll GET waits for data.
	LongPollTimeout caddy.Duration `json:"long_poll_timeout,omitempty"`

	// SSEKeepaliveInterval is the gap between ": ping" comments.
	SSEKeepaliveInterval caddy.Duration `json:"sse_keepalive_interval,omitempty"`

	// Segment rotation thresholds.
	SegmentMaxMessages int `json:"segment_max_messages,omitempty"`
	SegmentMaxBytes    int `json:"segment_max_bytes,omitempty"`

	// MaxAppendBytes caps a single append body.
	MaxAppendBytes int `json:"max_append_bytes,omitempty"`

	// MaxChunkBytes caps a single read response.
	MaxChunkBytes int `json:"max_chunk_bytes,omitempty"`

	// ProducerTTL is the retention for idle producer dedup rows.
	ProducerTTL caddy.Duration `json:"producer_ttl,omitempty"`

	// RetainOps keeps hot ops in the log after rotation.
	RetainOps bool `json:"retain_ops,omitempty"`

	// RegistryCacheTTL bounds staleness of the signing-secret cache.
	RegistryCacheTTL caddy.Duration `json:"registry_cache_ttl,omitempty"`

	// EstuaryTTL is how long an untouched estuary target lives.
	EstuaryTTL caddy.Duration `json:"estuary_ttl,omitempty"`

	db       *stream.DB
	blobs    blob.Store
	engine   *stream.Engine
	registry *registry.Registry
	verifier *auth.Verifier
	index    *admin.Index
	fan      *fanout.Service
	logger   *zap.Logger

	ephemeralDir string
}

// CaddyModule returns the Caddy module information.
func (Handler) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "http.handlers.tidewater",
		New: func() caddy.Module { return new(Handler) },
	}
}

// Provision wires up storage, the stream engine, auth, the admin index,
// and the fan-out service.
func (h *Handler) Provision(ctx caddy.Context) error {
	h.logger = ctx.Logger()

	if h.MaxFileHandles == 0 {
		h.MaxFileHandles = 100
	}
	if h.LongPollTimeout == 0 {
		h.LongPollTimeout = caddy.Duration(4 * time.Second)
	}
	if h.SSEKeepaliveInterval == 0 {
		h.SSEKeepaliveInterval = caddy.Duration(55 * time.Second)
	}
	if h.RegistryCacheTTL == 0 {
		h.RegistryCacheTTL = caddy.Duration(5 * time.Second)
	}
	if h.EstuaryTTL == 0 {
		h.EstuaryTTL = caddy.Duration(fanout.DefaultTTL)
	}

	dataDir := h.DataDir
	adminDB := h.AdminDB
	if dataDir == "" {
		dir, err := os.MkdirTemp("", "tidewater-*")
		if err != nil {
			return fmt.Errorf("failed to create ephemeral data directory: %w", err)
		}
		h.ephemeralDir = dir
		dataDir = dir
		h.blobs = blob.NewMemoryStore()
		h.logger.Info("using ephemeral storage (no data_dir configured)",
			zap.String("dir", dir))
	} else {
		fs, err := blob.NewFSStore(blob.FSConfig{
			Root:           filepath.Join(dataDir, "blobs"),
			MaxFileHandles: h.MaxFileHandles,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize blob store: %w", err)
		}
		h.blobs = fs
		if adminDB == "" {
			adminDB = filepath.Join(dataDir, "admin.duckdb")
		}
		h.logger.Info("using file-backed storage", zap.String("data_dir", dataDir))
	}

	db, err := stream.OpenDB(dataDir)
	if err != nil {
		return fmt.Errorf("failed to open stream database: %w", err)
	}
	h.db = db

	reg, err := registry.Open(dataDir)
	if err != nil {
		return fmt.Errorf("failed to open project registry: %w", err)
	}
	h.registry = reg
	h.verifier = auth.NewVerifier(reg, time.Duration(h.RegistryCacheTTL))

	h.engine = stream.NewEngine(db, h.blobs, h.logger, stream.Config{
		SegmentMaxMessages: uint64(h.SegmentMaxMessages),
		SegmentMaxBytes:    uint64(h.SegmentMaxBytes),
		MaxAppendBytes:     int64(h.MaxAppendBytes),
		MaxChunkBytes:      uint64(h.MaxChunkBytes),
		ProducerTTL:        time.Duration(h.ProducerTTL),
		RetainOps:          h.RetainOps,
	})

	idx, err := admin.Open(adminDB, h.logger)
	if err != nil {
		return fmt.Errorf("failed to open admin index: %w", err)
	}
	h.index = idx
	h.engine.SetAdminIndex(idx)

	fan, err := fanout.Open(dataDir, h.engine, h.logger, time.Duration(h.EstuaryTTL))
	if err != nil {
		return fmt.Errorf("failed to open fanout service: %w", err)
	}
	h.fan = fan
	h.engine.SetAppendHook(fan.OnAppend)

	return nil
}

// Validate ensures the handler configuration is coherent.
func (h *Handler) Validate() error {
	if h.MaxChunkBytes < 0 || h.MaxAppendBytes < 0 {
		return fmt.Errorf("size limits must be non-negative")
	}
	return nil
}

// Cleanup releases resources in reverse provisioning order.
func (h *Handler) Cleanup() error {
	if h.fan != nil {
		h.fan.Close()
	}
	if h.engine != nil {
		h.engine.Close()
	}
	if h.index != nil {
		h.index.Close()
	}
	if h.registry != nil {
		h.registry.Close()
	}
	if h.db != nil {
		h.db.Close()
	}
	if h.blobs != nil {
		h.blobs.Close()
	}
	if h.ephemeralDir != "" {
		os.RemoveAll(h.ephemeralDir)
	}
	return nil
}

// UnmarshalCaddyfile parses the Caddyfile syntax for tidewater:
//
//	tidewater {
//	    data_dir /var/lib/tidewater
//	    admin_db /var/lib/tidewater/admin.duckdb
//	    max_file_handles 100
//	    long_poll_timeout 4s
//	    sse_keepalive_interval 55s
//	    segment_max_messages 1000
//	    segment_max_bytes 4194304
//	    max_append_bytes 8388608
//	    max_chunk_bytes 262144
//	    producer_ttl 168h
//	    registry_cache_ttl 5s
//	    estuary_ttl 48h
//	    retain_ops
//	}
func (h *Handler) UnmarshalCaddyfile(d *caddyfile.Dispenser) error {
	for d.Next() {
		for d.NextBlock(0) {
			switch d.Val() {
			case "data_dir":
				if !d.Args(&h.DataDir) {
					return d.ArgErr()
				}
			case "admin_db":
				if !d.Args(&h.AdminDB) {
					return d.ArgErr()
				}
			case "max_file_handles":
				if err := parseIntSubdirective(d, &h.MaxFileHandles); err != nil {
					return err
				}
			case "segment_max_messages":
				if err := parseIntSubdirective(d, &h.SegmentMaxMessages); err != nil {
					return err
				}
			case "segment_max_bytes":
				if err := parseIntSubdirective(d, &h.SegmentMaxBytes); err != nil {
					return err
				}
			case "max_append_bytes":
				if err := parseIntSubdirective(d, &h.MaxAppendBytes); err != nil {
					return err
				}
			case "max_chunk_bytes":
				if err := parseIntSubdirective(d, &h.MaxChunkBytes); err != nil {
					return err
				}
			case "long_poll_timeout":
				if err := parseDurationSubdirective(d, &h.LongPollTimeout); err != nil {
					return err
				}
			case "sse_keepalive_interval":
				if err := parseDurationSubdirective(d, &h.SSEKeepaliveInterval); err != nil {
					return err
				}
			case "producer_ttl":
				if err := parseDurationSubdirective(d, &h.ProducerTTL); err != nil {
					return err
				}
			case "registry_cache_ttl":
				if err := parseDurationSubdirective(d, &h.RegistryCacheTTL); err != nil {
					return err
				}
			case "estuary_ttl":
				if err := parseDurationSubdirective(d, &h.EstuaryTTL); err != nil {
					return err
				}
			case "retain_ops":
				h.RetainOps = true
			default:
				return d.Errf("unknown subdirective: %s", d.Val())
			}
		}
	}
	return nil
}

func parseIntSubdirective(d *caddyfile.Dispenser, out *int) error {
	var val string
	if !d.Args(&val) {
		return d.ArgErr()
	}
	var n int
	if _, err := fmt.Sscanf(val, "%d", &n); err != nil {
		return d.Errf("invalid integer %q: %v", val, err)
	}
	*out = n
	return nil
}

func parseDurationSubdirective(d *caddyfile.Dispenser, out *caddy.Duration) error {
	var val string
	if !d.Args(&val) {
		return d.ArgErr()
	}
	dur, err := caddy.ParseDuration(val)
	if err != nil {
		return d.Errf("invalid duration %q: %v", val, err)
	}
	*out = caddy.Duration(dur)
	return nil
}

func parseCaddyfile(helper httpcaddyfile.Helper) (caddyhttp.MiddlewareHandler, error) {
	var handler Handler
	err := handler.UnmarshalCaddyfile(helper.Dispenser)
	return &handler, err
}

// Interface guards
var (
	_ caddy.Provisioner           = (*Handler)(nil)
	_ caddy.Validator             = (*Handler)(nil)
	_ caddy.CleanerUpper          = (*Handler)(nil)
	_ caddyhttp.MiddlewareHandler = (*Handler)(nil)
	_ caddyfile.Unmarshaler       = (*Handler)(nil)
)
