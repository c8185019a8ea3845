package camera

import (
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/executor"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/graphselect"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/producer"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/stagetask"
)

const defaultRequestTimeout = 5 * time.Second

type options struct {
	producer       producer.Producer
	runFunc        executor.RunFunc
	post           stagetask.PostProcessor
	policy         *graphselect.Policy
	tracer         trace.Tracer
	payloadCap     int
	requestTimeout time.Duration
	trackerSlots   int
}

// Option configures a Device.
type Option func(*options)

// WithProducer replaces the simulated sensor.
func WithProducer(p producer.Producer) Option {
	return func(o *options) { o.producer = p }
}

// WithRunFunc sets the body of every stage task.
func WithRunFunc(fn executor.RunFunc) Option {
	return func(o *options) { o.runFunc = fn }
}

// WithPostProcessor sets the processor of software post stages.
func WithPostProcessor(p stagetask.PostProcessor) Option {
	return func(o *options) { o.post = p }
}

// WithPolicy sets the post stage policy used by graph selection.
func WithPolicy(p graphselect.Policy) Option {
	return func(o *options) { o.policy = &p }
}

// WithTracer sets the tracer for configure and graph selection spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithPayloadCap bounds the memory allocated per pipeline buffer.
func WithPayloadCap(n int) Option {
	return func(o *options) { o.payloadCap = n }
}

// WithRequestTimeout bounds how long a queued request waits for a free
// frame slot before it is failed.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.requestTimeout = d
		}
	}
}

// WithFrameSlots sets the number of requests in flight at once.
func WithFrameSlots(n int) Option {
	return func(o *options) { o.trackerSlots = n }
}
