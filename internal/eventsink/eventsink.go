// Package eventsink forwards device events to a socket.io server so a
// remote monitor can follow a running camera.
package eventsink

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"

	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/ctxlog"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/eventbus"
)

// DefaultEvent is the socket.io event name used for device events.
const DefaultEvent = "camera_event"

const defaultConnectTimeout = 15 * time.Second

// Emitter sends one socket.io event. *socket.Socket implements it.
type Emitter interface {
	Emit(ev string, args ...any) error
}

// Config locates the socket.io server.
type Config struct {
	URL                string
	Namespace          string
	InsecureSkipVerify bool
	ConnectTimeout     time.Duration
}

// Dial connects a socket.io client and waits for the connection.
func Dial(ctx context.Context, cfg Config) (*socket.Socket, error) {
	logger := ctxlog.FromContext(ctx).With("component", "eventsink", "url", cfg.URL)

	parsedURL, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse event sink url: %w", err)
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}

	opts := socket.DefaultOptions()
	opts.SetPath(parsedURL.Path)
	if cfg.InsecureSkipVerify {
		logger.Warn("Skipping TLS certificate verification.")
		opts.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}
	opts.SetTransports(types.NewSet(transports.WebSocket))

	connected := make(chan error, 1)
	baseURL := fmt.Sprintf("%s://%s", parsedURL.Scheme, parsedURL.Host)
	manager := socket.NewManager(baseURL, opts)
	io := manager.Socket(cfg.Namespace, opts)

	io.Once(types.EventName("connect"), func(...any) {
		logger.Info("Event sink connected.", "sid", io.Id())
		connected <- nil
	})
	io.Once(types.EventName("connect_error"), func(errs ...any) {
		err, _ := errs[0].(error)
		if err == nil {
			err = fmt.Errorf("connect error: %v", errs[0])
		}
		connected <- err
	})

	logger.Debug("Connecting event sink.")
	io.Connect()

	select {
	case err := <-connected:
		if err != nil {
			io.Disconnect()
			return nil, fmt.Errorf("socket.io connection failed: %w", err)
		}
		return io, nil
	case <-ctx.Done():
		io.Disconnect()
		return nil, fmt.Errorf("waiting for socket.io connection: %w", ctx.Err())
	case <-time.After(timeout):
		io.Disconnect()
		return nil, fmt.Errorf("timed out after %s waiting for socket.io connection", timeout)
	}
}

// Sink converts bus events to socket.io messages.
type Sink struct {
	emitter Emitter
	event   string
	kinds   []eventbus.Kind
	logger  *slog.Logger

	sent   atomic.Uint64
	failed atomic.Uint64
}

// Option configures a Sink.
type Option func(*Sink)

// WithEventName overrides DefaultEvent.
func WithEventName(name string) Option {
	return func(s *Sink) {
		if name != "" {
			s.event = name
		}
	}
}

// WithKinds restricts the forwarded event kinds.
func WithKinds(kinds ...eventbus.Kind) Option {
	return func(s *Sink) { s.kinds = kinds }
}

// New creates a sink writing to emitter.
func New(ctx context.Context, emitter Emitter, opts ...Option) *Sink {
	s := &Sink{
		emitter: emitter,
		event:   DefaultEvent,
		logger:  ctxlog.FromContext(ctx).With("component", "eventsink"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Source publishes device events. *eventbus.Bus and *camera.Device
// implement it.
type Source interface {
	Subscribe(fn eventbus.Handler, kinds ...eventbus.Kind) func()
}

// Attach subscribes the sink to src and returns the unsubscribe function.
func (s *Sink) Attach(src Source) func() {
	return src.Subscribe(s.Handle, s.kinds...)
}

// Handle forwards one event. Emit failures are logged and counted.
func (s *Sink) Handle(ev eventbus.Event) {
	if err := s.emitter.Emit(s.event, Encode(ev)); err != nil {
		s.failed.Add(1)
		s.logger.Warn("Event forward failed.", "kind", ev.Kind(), "frame", ev.FrameNumber, "error", err)
		return
	}
	s.sent.Add(1)
}

// Counts returns the number of forwarded and failed events.
func (s *Sink) Counts() (sent, failed uint64) {
	return s.sent.Load(), s.failed.Load()
}

// Encode turns an event into the JSON-friendly message body.
func Encode(ev eventbus.Event) map[string]any {
	msg := map[string]any{
		"kind":         ev.Kind().String(),
		"frame_number": ev.FrameNumber,
		"sequence":     ev.Sequence,
	}
	if !ev.Timestamp.IsZero() {
		msg["timestamp_ns"] = ev.Timestamp.UnixNano()
	}
	switch p := ev.Payload.(type) {
	case eventbus.Shutter:
		msg["shutter_ns"] = p.Timestamp.UnixNano()
	case eventbus.ImageBufferReady:
		msg["stream_id"] = p.StreamID
		msg["dropped"] = p.Dropped
		if p.Buffer != nil {
			msg["size"] = p.Buffer.Size
		}
	case eventbus.MetadataReady:
		if len(p.Settings) > 0 {
			msg["settings"] = p.Settings
		}
		if len(p.Stats) > 0 {
			stats := make([]map[string]any, 0, len(p.Stats))
			for _, st := range p.Stats {
				stats = append(stats, map[string]any{
					"resource": st.ResourceID,
					"context":  st.ContextID,
					"mean":     st.Mean,
				})
			}
			msg["stats"] = stats
		}
	case eventbus.DeviceError:
		if p.Err != nil {
			msg["error"] = p.Err.Error()
		}
	}
	return msg
}
