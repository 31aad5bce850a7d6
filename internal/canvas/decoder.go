package canvas

import (
	"encoding/json"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// Separator marks the boundary between the JSON risk preamble and the
// markdown body in an initial analysis stream.
const Separator = "---"

type decodePhase int

const (
	// phaseBuffering: accumulating raw text, still hunting for the
	// separator and a parseable preamble.
	phaseBuffering decodePhase = iota
	// phaseCommitted: preamble committed (or mode is follow-up); every
	// further chunk appends verbatim to the visible response.
	phaseCommitted
)

// Decoder incrementally classifies one analysis stream. It is a two-state
// machine: Write never fails, and an incomplete preamble parse is an
// expected condition retried on the next chunk, not an error.
//
// A Decoder is bound to a single decode and must not be reused.
type Decoder struct {
	mode     InteractionType
	phase    decodePhase
	buffer   strings.Builder
	response strings.Builder
	analysis *RiskAnalysis
}

// NewDecoder creates a decoder for one stream. The interaction type is
// fixed for the lifetime of the decode.
func NewDecoder(mode InteractionType) *Decoder {
	d := &Decoder{mode: mode}
	if mode != InteractionInitial {
		d.phase = phaseCommitted
	}
	return d
}

// Write consumes the next chunk in receipt order.
func (d *Decoder) Write(chunk string) {
	if d.phase == phaseCommitted {
		d.response.WriteString(chunk)
		return
	}

	d.buffer.WriteString(chunk)
	buf := d.buffer.String()
	idx := strings.Index(buf, Separator)
	if idx < 0 {
		return
	}

	// The preamble candidate is everything before the first separator; the
	// markdown part is everything after it, however many chunks it spans.
	analysis, ok := parseRiskAnalysis(buf[:idx])
	if !ok {
		// Not yet complete. Keep buffering; the separator index is
		// recomputed against the full buffer on the next chunk.
		return
	}

	d.analysis = analysis
	d.response.WriteString(buf[idx+len(Separator):])
	// Latch so markdown that happens to contain "---" or braces is never
	// reinterpreted as a preamble.
	d.phase = phaseCommitted
}

// Finish signals the end of the stream. If an initial-mode stream ended
// before the preamble committed, Finish attempts to repair and parse the
// buffered text one last time; when that also fails it returns the text
// that will be dropped from the visible response so the caller can log it.
func (d *Decoder) Finish() (dropped string) {
	if d.phase == phaseCommitted {
		return ""
	}
	buf := d.buffer.String()
	if analysis, ok := salvageRiskAnalysis(buf); ok {
		d.analysis = analysis
		d.phase = phaseCommitted
		return ""
	}
	return buf
}

// Response returns the visible markdown accumulated so far. Empty until
// the preamble commits in initial mode.
func (d *Decoder) Response() string {
	return d.response.String()
}

// Structured returns the committed risk analysis, or nil.
func (d *Decoder) Structured() *RiskAnalysis {
	return d.analysis
}

// Committed reports whether the structured preamble has been committed.
// Always true for follow-up decodes.
func (d *Decoder) Committed() bool {
	return d.phase == phaseCommitted
}

// parseRiskAnalysis slices the candidate between the first '{' and the
// last '}', since the model tends to wrap the object in prose or fencing,
// and requires the single recognized key "risk_analysis".
func parseRiskAnalysis(candidate string) (*RiskAnalysis, bool) {
	first := strings.IndexByte(candidate, '{')
	last := strings.LastIndexByte(candidate, '}')
	if first < 0 || last <= first {
		return nil, false
	}
	var analysis RiskAnalysis
	if err := json.Unmarshal([]byte(candidate[first:last+1]), &analysis); err != nil {
		return nil, false
	}
	if analysis.Risks == nil {
		return nil, false
	}
	return &analysis, true
}

// salvageRiskAnalysis is the last-ditch path for a truncated stream: the
// brace-sliced buffer is run through jsonrepair before parsing.
func salvageRiskAnalysis(buf string) (*RiskAnalysis, bool) {
	first := strings.IndexByte(buf, '{')
	if first < 0 {
		return nil, false
	}
	candidate := buf[first:]
	if last := strings.LastIndexByte(candidate, '}'); last >= 0 {
		candidate = candidate[:last+1]
	}
	repaired, err := jsonrepair.JSONRepair(candidate)
	if err != nil {
		return nil, false
	}
	var analysis RiskAnalysis
	if err := json.Unmarshal([]byte(repaired), &analysis); err != nil {
		return nil, false
	}
	if analysis.Risks == nil {
		return nil, false
	}
	return &analysis, true
}
