package graphselect

import (
	"math"

	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/config"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/stream"
)

// Policy decides which conversions a post stage may perform and when a post
// stage is enabled.
type Policy struct {
	Rules    config.PostStagePolicy
	Features config.Features
	// Enable, when set, replaces the built-in enablement predicate.
	Enable func(ps PostStage) bool
}

// PolicyFromPlatform builds the policy configured in the platform profile.
func PolicyFromPlatform(p *config.Platform) Policy {
	return Policy{Rules: p.PostStages, Features: p.Features}
}

// required returns the operations needed to turn a hardware output into s.
func (p Policy) required(s stream.Stream, in stream.Resolution, inFormat stream.Format) Op {
	var ops Op
	out := s.Resolution()
	if out != in {
		ops |= OpScale
	}
	if math.Abs(out.Aspect()-in.Aspect()) > 0.01 || p.Features.Crop {
		ops |= OpCrop
	}
	switch {
	case s.Format.IsCompressed():
		ops |= OpEncode
	case s.Format != inFormat || p.Features.MonoDownscale:
		ops |= OpConvert
	}
	if s.Field == stream.FieldInterlaced || p.Features.DeinterlaceWeave {
		ops |= OpDeinterlace
	}
	if s.Usage == stream.UsageVideo && p.Rules.TemporalFilter {
		ops |= OpTemporalFilter
	}
	return ops
}

// allowed returns the operations the rules let a post stage perform.
func (p Policy) allowed() Op {
	var ops Op
	if p.Rules.Scale {
		ops |= OpScale | OpCrop
	}
	if p.Rules.Transcode {
		ops |= OpConvert
	}
	if p.Rules.Encode {
		ops |= OpEncode
	}
	if p.Rules.Deinterlace || p.Features.DeinterlaceWeave {
		ops |= OpDeinterlace
	}
	if p.Rules.TemporalFilter {
		ops |= OpTemporalFilter
	}
	return ops
}

// enabled is the built-in predicate: a post stage runs when it feeds more
// than one stream or any of its outputs differs from its input.
func (p Policy) enabled(ps PostStage) bool {
	if p.Enable != nil {
		return p.Enable(ps)
	}
	if len(ps.Outputs) > 1 {
		return true
	}
	for _, o := range ps.Outputs {
		if o.Ops != 0 {
			return true
		}
	}
	return false
}

func engineFor(ps PostStage) ProcessingEngine {
	for _, o := range ps.Outputs {
		if o.Ops.Has(OpTemporalFilter) {
			return EngineGPU
		}
	}
	return EngineCPU
}
