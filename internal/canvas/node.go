// Package canvas holds the node-graph model behind an analysis canvas: a
// directed tree of pitch nodes branching off an initial startup pitch, the
// incremental decoder for streamed analysis responses, and the lifecycle
// controller that drives submissions, follow-ups, and merges.
package canvas

// InteractionType selects the wire contract of one analysis stream.
type InteractionType string

const (
	// InteractionInitial expects a JSON risk preamble, a "---" separator,
	// then free-form markdown.
	InteractionInitial InteractionType = "initial"
	// InteractionFollowUp expects plain markdown with no structure.
	InteractionFollowUp InteractionType = "follow-up"
)

// Position is a node's placement on the canvas.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Risk is one scored failure mode from the structured preamble. Order of
// risks follows emission order and is preserved.
type Risk struct {
	RiskName string `json:"risk_name"`
	Score    int    `json:"score"`
	Summary  string `json:"summary"`
}

// RiskAnalysis is the structured half of an initial analysis response.
type RiskAnalysis struct {
	Risks []Risk `json:"risk_analysis"`
}

// Node is one analysis turn. Response is nil until a submission starts
// streaming, then holds the markdown text received so far.
type Node struct {
	ID                 string        `json:"id"`
	Position           Position      `json:"position"`
	Width              float64       `json:"width,omitempty"`
	Height             float64       `json:"height,omitempty"`
	ParentID           string        `json:"parentId,omitempty"`
	Pitch              string        `json:"pitch"`
	Response           *string       `json:"response"`
	StructuredResponse *RiskAnalysis `json:"structuredResponse,omitempty"`
	IsLoading          bool          `json:"isLoading"`
	ContextTitle       string        `json:"contextTitle,omitempty"`
}

// Edge connects a parent node to a child created from it. The target's
// ParentID always equals Source; children are created after their parents,
// so the graph stays acyclic by construction.
type Edge struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
}

// Clone returns a deep copy of the node.
func (n Node) Clone() Node {
	out := n
	if n.Response != nil {
		r := *n.Response
		out.Response = &r
	}
	if n.StructuredResponse != nil {
		sr := RiskAnalysis{Risks: append([]Risk(nil), n.StructuredResponse.Risks...)}
		out.StructuredResponse = &sr
	}
	return out
}

// CloneNodes deep-copies a node slice.
func CloneNodes(nodes []Node) []Node {
	out := make([]Node, len(nodes))
	for i, n := range nodes {
		out[i] = n.Clone()
	}
	return out
}

// CloneEdges copies an edge slice.
func CloneEdges(edges []Edge) []Edge {
	return append([]Edge(nil), edges...)
}

// HasResponse reports whether the node holds a non-empty completed or
// streaming response.
func (n Node) HasResponse() bool {
	return n.Response != nil && *n.Response != ""
}
