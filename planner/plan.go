package planner

import (
	"fmt"

	"crucible/config"
)

// Constraints carries the per-job limits that shape a plan.
type Constraints struct {
	// MaxDimension caps the output's long side; zero means unconstrained.
	MaxDimension int
	// DeviceMemoryMB is the device memory hint; at or below the configured
	// threshold the ladder switches to its reduced rung set. Zero means
	// unknown.
	DeviceMemoryMB int
}

// Attempt is one rung of the ladder.
type Attempt struct {
	// ResolutionCeiling bounds the output's long side in pixels.
	ResolutionCeiling int
	// Codec is the encoder selection for this rung.
	Codec string
	// Filters is the scaling-filter strategy; cheaper rungs use cheaper
	// filters.
	Filters string
}

// Plan is the ordered attempt list for one target format. Costs strictly
// decrease down the list.
type Plan struct {
	Format   string
	Attempts []Attempt
}

// Source dimensions as reported by the validation collaborator. Zero values
// mean the validator could not determine them.
type Source struct {
	Width  int
	Height int
}

func (s Source) longSide() int {
	if s.Width > s.Height {
		return s.Width
	}
	return s.Height
}

// Build constructs the fallback plan for one format. The first attempt's
// ceiling never exceeds the source's long side (no upscaling) nor the job's
// MaxDimension; a constrained device gets the reduced rung set; every plan
// ends with the degenerate terminal rung.
func Build(format string, src Source, constraints Constraints, ladder config.Ladder) Plan {
	rungs := ladder.Rungs
	if constraints.DeviceMemoryMB > 0 && ladder.ConstrainedMemoryMB > 0 &&
		constraints.DeviceMemoryMB <= ladder.ConstrainedMemoryMB && len(ladder.ConstrainedRungs) > 0 {
		rungs = ladder.ConstrainedRungs
	}

	ceiling := rungs[0]
	if constraints.MaxDimension > 0 && constraints.MaxDimension < ceiling {
		ceiling = constraints.MaxDimension
	}
	if long := src.longSide(); long > 0 && long < ceiling {
		ceiling = long
	}

	attempts := make([]Attempt, 0, len(rungs)+1)
	for _, rung := range rungs {
		if rung > ceiling {
			continue
		}
		attempts = append(attempts, Attempt{
			ResolutionCeiling: rung,
			Codec:             primaryCodec(format),
			Filters:           filterForRung(len(attempts)),
		})
	}
	if len(attempts) == 0 && ceiling > ladder.MinDimension {
		attempts = append(attempts, Attempt{
			ResolutionCeiling: ceiling,
			Codec:             primaryCodec(format),
			Filters:           filterForRung(0),
		})
	}

	// Last-resort rung: minimal resolution, simplest possible output, to
	// maximize the odds of returning something rather than nothing. A
	// source smaller than the configured minimum caps it further; the
	// ladder never upscales.
	minDim := ladder.MinDimension
	if ceiling < minDim {
		minDim = ceiling
	}
	terminal := Attempt{
		ResolutionCeiling: minDim,
		Codec:             fallbackCodec(format),
		Filters:           "neighbor",
	}
	if len(attempts) == 0 || terminal.ResolutionCeiling < attempts[len(attempts)-1].ResolutionCeiling {
		attempts = append(attempts, terminal)
	} else if len(attempts) > 0 {
		attempts[len(attempts)-1] = terminal
	}

	return Plan{Format: format, Attempts: attempts}
}

// filterForRung degrades the scaler with the rung index: rich first, cheap
// later.
func filterForRung(index int) string {
	switch index {
	case 0:
		return "lanczos"
	case 1:
		return "bicubic"
	default:
		return "bilinear"
	}
}

func primaryCodec(format string) string {
	switch format {
	case "webp":
		return "libwebp"
	case "avif":
		return "libaom-av1"
	case "jpeg", "jpg":
		return "mjpeg"
	case "png":
		return "png"
	case "gif":
		return "gif"
	default:
		return format
	}
}

// fallbackCodec picks the simplest encoder able to emit the format. The
// terminal rung favors settling over fidelity.
func fallbackCodec(format string) string {
	switch format {
	case "avif":
		// AV1 encoding is the most memory-hungry path; the terminal rung
		// settles for the format's cheapest profile.
		return "libaom-av1"
	default:
		return primaryCodec(format)
	}
}

// Validate reports whether the plan's costs strictly decrease.
func (p Plan) Validate() error {
	prev := 0
	for i, attempt := range p.Attempts {
		if attempt.ResolutionCeiling <= 0 {
			return fmt.Errorf("attempt %d has no resolution ceiling", i+1)
		}
		if i > 0 && attempt.ResolutionCeiling >= prev {
			return fmt.Errorf("attempt %d does not decrease in cost", i+1)
		}
		prev = attempt.ResolutionCeiling
	}
	return nil
}
