// Package eventbus fans device events out to subscribers. An Event carries a
// Kind discriminant and exactly one payload type per kind; subscribers
// register per kind and are called in registration order.
package eventbus

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/buffer"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/tuning"
)

// Kind identifies the payload of an Event.
type Kind int

const (
	KindShutter Kind = iota
	KindImageBufferReady
	KindMetadataReady
	KindFrameDone
	KindDeviceError
)

var kindNames = map[Kind]string{
	KindShutter:          "SHUTTER",
	KindImageBufferReady: "IMAGE_BUFFER_READY",
	KindMetadataReady:    "METADATA_READY",
	KindFrameDone:        "FRAME_DONE",
	KindDeviceError:      "DEVICE_ERROR",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Kinds lists every event kind.
func Kinds() []Kind {
	return []Kind{KindShutter, KindImageBufferReady, KindMetadataReady, KindFrameDone, KindDeviceError}
}

// Payload is implemented by the event variants only.
type Payload interface {
	Kind() Kind
	sealed()
}

// Shutter marks the start of exposure of a frame.
type Shutter struct {
	Timestamp time.Time
}

// ImageBufferReady delivers one output buffer.
type ImageBufferReady struct {
	StreamID int
	Buffer   *buffer.Buffer
	// Dropped buffers carry no valid image.
	Dropped bool
}

// MetadataReady delivers the result metadata of a frame.
type MetadataReady struct {
	Settings map[string]string
	Stats    []tuning.Stats
}

// FrameDone reports that every output of a frame was delivered.
type FrameDone struct{}

// DeviceError reports a failure outside the per-frame path.
type DeviceError struct {
	Err error
}

func (Shutter) Kind() Kind          { return KindShutter }
func (ImageBufferReady) Kind() Kind { return KindImageBufferReady }
func (MetadataReady) Kind() Kind    { return KindMetadataReady }
func (FrameDone) Kind() Kind        { return KindFrameDone }
func (DeviceError) Kind() Kind      { return KindDeviceError }

func (Shutter) sealed()          {}
func (ImageBufferReady) sealed() {}
func (MetadataReady) sealed()    {}
func (FrameDone) sealed()        {}
func (DeviceError) sealed()      {}

// Event is one device notification. FrameNumber is -1 for events not tied
// to a request.
type Event struct {
	FrameNumber int64
	Sequence    int64
	Timestamp   time.Time
	Payload     Payload
}

// Kind returns the kind of the payload.
func (e Event) Kind() Kind {
	return e.Payload.Kind()
}

// Handler receives events. It must not call Subscribe on the same bus
// synchronously for the kind it handles.
type Handler func(Event)

type subscriber struct {
	id uint64
	fn Handler
}

// Bus is a typed publish/subscribe hub. The zero value is not usable; use
// New.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[Kind][]subscriber
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[Kind][]subscriber)}
}

// Subscribe registers fn for kinds, or for every kind when none is given.
// The returned function removes the subscription.
func (b *Bus) Subscribe(fn Handler, kinds ...Kind) func() {
	if len(kinds) == 0 {
		kinds = Kinds()
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	for _, k := range kinds {
		b.subs[k] = append(b.subs[k], subscriber{id: id, fn: fn})
	}
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for _, k := range kinds {
				b.subs[k] = slices.DeleteFunc(b.subs[k], func(s subscriber) bool { return s.id == id })
			}
		})
	}
}

// Publish calls every subscriber of ev's kind. Handlers run on the calling
// goroutine, outside the bus lock.
func (b *Bus) Publish(ev Event) {
	if ev.Payload == nil {
		return
	}
	b.mu.RLock()
	subs := slices.Clone(b.subs[ev.Kind()])
	b.mu.RUnlock()

	for _, s := range subs {
		s.fn(ev)
	}
}

// Subscribers returns the number of subscriptions for k.
func (b *Bus) Subscribers(k Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[k])
}
