package durablestreams

import (
	"fmt"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"github.com/caddyserver/caddy/v2/caddyconfig/httpcaddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"go.uber.org/zap"

	"github.com/durable-streams/streamd/kv"
	"github.com/durable-streams/streamd/store"
	"github.com/durable-streams/streamd/webhook"
)

func init() {
	caddy.RegisterModule(Handler{})
	httpcaddyfile.RegisterHandlerDirective("durable_streams", parseCaddyfile)
}

// Handler implements the Durable Streams Protocol as a Caddy HTTP handler
type Handler struct {
	// DataDir is the directory for the bbolt database.
	// If empty, uses in-memory storage (for testing)
	DataDir string `json:"data_dir,omitempty"`

	// LongPollTimeout is the default timeout for long-poll requests
	LongPollTimeout caddy.Duration `json:"long_poll_timeout,omitempty"`

	// SSEHeartbeatInterval is how often idle SSE connections emit a
	// heartbeat comment
	SSEHeartbeatInterval caddy.Duration `json:"sse_heartbeat_interval,omitempty"`

	// MaxMessageBytes caps a single message payload
	MaxMessageBytes int64 `json:"max_message_bytes,omitempty"`

	// MaxBatchBytes caps the total size of one append batch
	MaxBatchBytes int64 `json:"max_batch_bytes,omitempty"`

	// ProducerStateTTL is how long idle producer fence entries are kept
	ProducerStateTTL caddy.Duration `json:"producer_state_ttl,omitempty"`

	// WebhookDeliveryTimeout is the per-attempt timeout for webhook POSTs
	WebhookDeliveryTimeout caddy.Duration `json:"webhook_delivery_timeout,omitempty"`

	// CreateOnAppend creates streams lazily on the first POST
	CreateOnAppend bool `json:"create_on_append,omitempty"`

	// StrictProducerStart requires new producers and epochs to start at seq 0
	StrictProducerStart bool `json:"strict_producer_start,omitempty"`

	registry      *store.Registry
	webhookStore  *webhook.Store
	dispatcher    *webhook.Dispatcher
	webhookRoutes *webhook.Routes
	logger        *zap.Logger
}

// CaddyModule returns the Caddy module information
func (Handler) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "http.handlers.durable_streams",
		New: func() caddy.Module { return new(Handler) },
	}
}

// Provision sets up the handler
func (h *Handler) Provision(ctx caddy.Context) error {
	h.logger = ctx.Logger()

	if h.LongPollTimeout == 0 {
		h.LongPollTimeout = caddy.Duration(30 * time.Second)
	}
	if h.SSEHeartbeatInterval == 0 {
		h.SSEHeartbeatInterval = caddy.Duration(15 * time.Second)
	}

	var (
		kvStore kv.Store
		err     error
	)
	if h.DataDir == "" {
		kvStore = kv.NewMemory()
		h.logger.Info("using in-memory store (no data_dir configured)")
	} else {
		kvStore, err = kv.OpenBolt(h.DataDir)
		if err != nil {
			return fmt.Errorf("failed to open storage: %w", err)
		}
		h.logger.Info("using bbolt store", zap.String("data_dir", h.DataDir))
	}

	cfg := store.Config{
		MaxMessageBytes:     h.MaxMessageBytes,
		MaxBatchBytes:       h.MaxBatchBytes,
		ProducerStateTTL:    time.Duration(h.ProducerStateTTL),
		StrictProducerStart: h.StrictProducerStart,
		CreateOnAppend:      h.CreateOnAppend,
	}

	h.registry, err = store.NewRegistry(kvStore, cfg, h.logger)
	if err != nil {
		kvStore.Close()
		return fmt.Errorf("failed to initialize stream registry: %w", err)
	}

	h.webhookStore, err = webhook.NewStore(kvStore)
	if err != nil {
		h.registry.Close()
		return fmt.Errorf("failed to initialize webhook store: %w", err)
	}
	h.dispatcher = webhook.NewDispatcher(h.webhookStore, webhook.Config{
		DeliveryTimeout: time.Duration(h.WebhookDeliveryTimeout),
	}, h.logger)
	h.webhookRoutes = webhook.NewRoutes(h.webhookStore, h.dispatcher)

	h.registry.SetHooks(store.Hooks{
		OnAppend: func(path string, msgs []store.Message) {
			for _, msg := range msgs {
				h.dispatcher.OnAppend(path, msg.Offset.String(), msg.Data)
			}
		},
	})

	return nil
}

// Validate ensures the handler configuration is valid
func (h *Handler) Validate() error {
	if h.MaxMessageBytes < 0 || h.MaxBatchBytes < 0 {
		return fmt.Errorf("size limits must be non-negative")
	}
	if h.MaxMessageBytes > 0 && h.MaxBatchBytes > 0 && h.MaxMessageBytes > h.MaxBatchBytes {
		return fmt.Errorf("max_message_bytes cannot exceed max_batch_bytes")
	}
	return nil
}

// Cleanup releases resources
func (h *Handler) Cleanup() error {
	if h.dispatcher != nil {
		h.dispatcher.Shutdown()
	}
	if h.registry != nil {
		return h.registry.Close()
	}
	return nil
}

// UnmarshalCaddyfile parses the Caddyfile syntax for durable_streams
//
//	durable_streams {
//	    data_dir /var/lib/durable-streams
//	    long_poll_timeout 30s
//	    sse_heartbeat_interval 15s
//	    max_message_bytes 67108864
//	    max_batch_bytes 268435456
//	    producer_state_ttl 168h
//	    webhook_delivery_timeout 10s
//	    create_on_append
//	    strict_producer_start
//	}
func (h *Handler) UnmarshalCaddyfile(d *caddyfile.Dispenser) error {
	for d.Next() {
		for d.NextBlock(0) {
			switch d.Val() {
			case "data_dir":
				if !d.Args(&h.DataDir) {
					return d.ArgErr()
				}
			case "long_poll_timeout":
				dur, err := parseDurationArg(d)
				if err != nil {
					return err
				}
				h.LongPollTimeout = dur
			case "sse_heartbeat_interval":
				dur, err := parseDurationArg(d)
				if err != nil {
					return err
				}
				h.SSEHeartbeatInterval = dur
			case "producer_state_ttl":
				dur, err := parseDurationArg(d)
				if err != nil {
					return err
				}
				h.ProducerStateTTL = dur
			case "webhook_delivery_timeout":
				dur, err := parseDurationArg(d)
				if err != nil {
					return err
				}
				h.WebhookDeliveryTimeout = dur
			case "max_message_bytes":
				n, err := parseInt64Arg(d)
				if err != nil {
					return err
				}
				h.MaxMessageBytes = n
			case "max_batch_bytes":
				n, err := parseInt64Arg(d)
				if err != nil {
					return err
				}
				h.MaxBatchBytes = n
			case "create_on_append":
				h.CreateOnAppend = true
			case "strict_producer_start":
				h.StrictProducerStart = true
			default:
				return d.Errf("unknown subdirective: %s", d.Val())
			}
		}
	}
	return nil
}

func parseDurationArg(d *caddyfile.Dispenser) (caddy.Duration, error) {
	var val string
	if !d.Args(&val) {
		return 0, d.ArgErr()
	}
	dur, err := caddy.ParseDuration(val)
	if err != nil {
		return 0, d.Errf("invalid duration: %v", err)
	}
	return caddy.Duration(dur), nil
}

func parseInt64Arg(d *caddyfile.Dispenser) (int64, error) {
	var val string
	if !d.Args(&val) {
		return 0, d.ArgErr()
	}
	var n int64
	if _, err := fmt.Sscanf(val, "%d", &n); err != nil {
		return 0, d.Errf("invalid integer: %v", err)
	}
	return n, nil
}

func parseCaddyfile(h httpcaddyfile.Helper) (caddyhttp.MiddlewareHandler, error) {
	var handler Handler
	err := handler.UnmarshalCaddyfile(h.Dispenser)
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
