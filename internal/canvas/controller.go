package canvas

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"cassandra/api/internal/util"
)

const (
	defaultNodeWidth  = 500
	defaultNodeHeight = 200
	followUpGapY      = 60

	mergingPitch     = "Merging nodes..."
	synthesizedPitch = "Synthesized Analysis"

	// streamErrorMessage is the only user-visible transport failure text.
	streamErrorMessage = "Sorry, I couldn't complete the analysis. The AI model may be overloaded. Please try again."
)

var (
	ErrNodeNotFound = errors.New("canvas: node not found")
	ErrNodeBusy     = errors.New("canvas: node has a decode in flight")
	ErrNodeComplete = errors.New("canvas: completed nodes are immutable")
	ErrEmptyPitch   = errors.New("canvas: pitch text or file required")
	ErrTooFewNodes  = errors.New("canvas: merge needs at least two nodes")
)

// AnalyzeRequest carries one analysis call to the gateway.
type AnalyzeRequest struct {
	Pitch          string
	FileName       string
	FileContent    []byte
	ParentPitch    string
	ParentAnalysis string
	Interaction    InteractionType
}

// ChunkStream yields ordered text chunks from the gateway. Next returns
// io.EOF after the final chunk.
type ChunkStream interface {
	Next() (string, error)
	Close() error
}

// Analyzer is the retrieval + LLM gateway port.
type Analyzer interface {
	Analyze(ctx context.Context, req AnalyzeRequest) (ChunkStream, error)
}

// MergeEntry is one node's contribution to a synthesis.
type MergeEntry struct {
	Pitch    string
	Analysis string
}

// Synthesizer produces a combined summary for a merge. The controller does
// not mandate how; the production binding is a single LLM call.
type Synthesizer interface {
	Synthesize(ctx context.Context, entries []MergeEntry) (string, error)
}

// Controller orchestrates node lifecycle: submission, follow-up branching,
// and merging. It owns the mapping from decoder output to node state.
type Controller struct {
	graph    *Graph
	analyzer Analyzer
	synth    Synthesizer
}

// NewController creates a controller over the given graph.
func NewController(graph *Graph, analyzer Analyzer, synth Synthesizer) *Controller {
	return &Controller{graph: graph, analyzer: analyzer, synth: synth}
}

// Graph returns the controller's graph.
func (c *Controller) Graph() *Graph {
	return c.graph
}

// Submit runs one analysis against a node: marks it loading, resolves the
// interaction type from its parent, streams the gateway response through a
// decoder into node state, and tees the raw bytes to sink (which may be
// nil). Submit blocks until the stream finishes.
func (c *Controller) Submit(ctx context.Context, nodeID, pitch, fileName string, fileContent []byte, sink io.Writer) error {
	node, ok := c.graph.Node(nodeID)
	if !ok {
		return ErrNodeNotFound
	}
	if node.IsLoading {
		return ErrNodeBusy
	}
	if node.HasResponse() {
		return ErrNodeComplete
	}
	if pitch == "" && len(fileContent) == 0 {
		return ErrEmptyPitch
	}

	req := AnalyzeRequest{
		Pitch:       pitch,
		FileName:    fileName,
		FileContent: fileContent,
		Interaction: InteractionInitial,
	}
	if node.ParentID != "" {
		if parent, ok := c.graph.Node(node.ParentID); ok && parent.Response != nil {
			req.Interaction = InteractionFollowUp
			req.ParentPitch = parent.Pitch
			if parent.Response != nil {
				req.ParentAnalysis = *parent.Response
			}
		}
	}

	gen := c.graph.bumpGeneration(nodeID)
	empty := ""
	c.graph.applyIfCurrent(nodeID, gen, func(n Node) Node {
		n.Pitch = pitch
		n.IsLoading = true
		n.Response = &empty
		n.StructuredResponse = nil
		return n
	})

	stream, err := c.analyzer.Analyze(ctx, req)
	if err != nil {
		c.failNode(nodeID, gen)
		return fmt.Errorf("start analysis stream: %w", err)
	}
	defer stream.Close()

	decoder := NewDecoder(req.Interaction)
	for {
		chunk, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			c.failNode(nodeID, gen)
			return fmt.Errorf("read analysis stream: %w", err)
		}
		if sink != nil {
			if _, err := io.WriteString(sink, chunk); err != nil {
				// The caller went away; the decode itself carries on so
				// the node still reaches a terminal state.
				sink = nil
			}
		}
		decoder.Write(chunk)
		if !c.applyDecoderState(nodeID, gen, decoder, false) {
			// A newer submission took over this node; stop delivering.
			return nil
		}
	}

	if dropped := decoder.Finish(); dropped != "" {
		log.Printf("canvas: node %s stream ended before separator, dropping %d buffered bytes", nodeID, len(dropped))
	}
	c.applyDecoderState(nodeID, gen, decoder, true)
	return nil
}

// applyDecoderState maps decoder output onto the node, honoring the decode
// generation. Returns false when the write was stale.
func (c *Controller) applyDecoderState(nodeID string, gen uint64, d *Decoder, final bool) bool {
	return c.graph.applyIfCurrent(nodeID, gen, func(n Node) Node {
		resp := d.Response()
		n.Response = &resp
		if s := d.Structured(); s != nil {
			n.StructuredResponse = s
		}
		if final {
			n.IsLoading = false
		}
		return n
	})
}

func (c *Controller) failNode(nodeID string, gen uint64) {
	msg := streamErrorMessage
	c.graph.applyIfCurrent(nodeID, gen, func(n Node) Node {
		n.Response = &msg
		n.IsLoading = false
		return n
	})
}

// NodePatch is a partial edit to a node. Nil fields are left unchanged.
type NodePatch struct {
	Pitch    *string
	Position *Position
	Width    *float64
	Height   *float64
}

// CreateNode adds an empty editable node at the given position.
func (c *Controller) CreateNode(pos Position, pitch string) Node {
	node := Node{
		ID:       util.NewID("node"),
		Position: pos,
		Pitch:    pitch,
	}
	c.graph.UpdateNodes(func(nodes []Node) []Node {
		return append(nodes, node)
	})
	return node
}

// UpdateNode applies a partial edit. Position and size move freely; the
// pitch is only editable while the node has not been analyzed.
func (c *Controller) UpdateNode(id string, patch NodePatch) (Node, error) {
	node, ok := c.graph.Node(id)
	if !ok {
		return Node{}, ErrNodeNotFound
	}
	if patch.Pitch != nil {
		if node.IsLoading {
			return Node{}, ErrNodeBusy
		}
		if node.HasResponse() {
			return Node{}, ErrNodeComplete
		}
	}

	c.graph.UpdateNode(id, func(n Node) Node {
		if patch.Pitch != nil {
			n.Pitch = *patch.Pitch
		}
		if patch.Position != nil {
			n.Position = *patch.Position
		}
		if patch.Width != nil {
			n.Width = *patch.Width
		}
		if patch.Height != nil {
			n.Height = *patch.Height
		}
		return n
	})
	node, _ = c.graph.Node(id)
	return node, nil
}

// DeleteNode removes a node and its incident edges. Children are promoted
// to roots so their ParentID never points at a missing node.
func (c *Controller) DeleteNode(id string) error {
	if _, ok := c.graph.Node(id); !ok {
		return ErrNodeNotFound
	}
	c.graph.Update(func(nodes []Node, edges []Edge) ([]Node, []Edge) {
		kept := nodes[:0]
		for _, n := range nodes {
			if n.ID == id {
				continue
			}
			if n.ParentID == id {
				n.ParentID = ""
				n.ContextTitle = ""
			}
			kept = append(kept, n)
		}
		keptEdges := edges[:0]
		for _, e := range edges {
			if e.Source != id && e.Target != id {
				keptEdges = append(keptEdges, e)
			}
		}
		return kept, keptEdges
	})
	return nil
}

// CreateFollowUp branches a new editable node off a completed source node,
// placed below it and horizontally centered. The node is not submitted.
func (c *Controller) CreateFollowUp(sourceID, seed string) (Node, error) {
	source, ok := c.graph.Node(sourceID)
	if !ok {
		return Node{}, ErrNodeNotFound
	}

	width := source.Width
	if width == 0 {
		width = defaultNodeWidth
	}
	height := source.Height
	if height == 0 {
		height = defaultNodeHeight
	}

	node := Node{
		ID: util.NewID("node"),
		Position: Position{
			X: source.Position.X + width/2 - defaultNodeWidth/2,
			Y: source.Position.Y + height + followUpGapY,
		},
		ParentID:     sourceID,
		Pitch:        seed,
		ContextTitle: util.Truncate(source.Pitch, 50),
	}
	edge := Edge{
		ID:     fmt.Sprintf("e-%s-%s", sourceID, node.ID),
		Source: sourceID,
		Target: node.ID,
	}

	c.graph.Update(func(nodes []Node, edges []Edge) ([]Node, []Edge) {
		return append(nodes, node), append(edges, edge)
	})
	return node, nil
}

// Merge replaces the selected nodes with a single synthesis node at their
// centroid. Node and edge removal plus insertion of the loading node happen
// in one atomic update; the synthesis result lands afterwards.
func (c *Controller) Merge(ctx context.Context, ids []string) (Node, error) {
	if len(ids) < 2 {
		return Node{}, ErrTooFewNodes
	}

	selected := make([]Node, 0, len(ids))
	for _, id := range ids {
		node, ok := c.graph.Node(id)
		if !ok {
			return Node{}, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
		}
		selected = append(selected, node)
	}

	var sumX, sumY float64
	for _, n := range selected {
		sumX += n.Position.X
		sumY += n.Position.Y
	}
	count := float64(len(selected))

	merged := Node{
		ID:        util.NewID("n_merged"),
		Position:  Position{X: sumX / count, Y: sumY / count},
		Pitch:     mergingPitch,
		IsLoading: true,
	}

	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	c.graph.Update(func(nodes []Node, edges []Edge) ([]Node, []Edge) {
		kept := nodes[:0]
		for _, n := range nodes {
			if !drop[n.ID] {
				kept = append(kept, n)
			}
		}
		keptEdges := edges[:0]
		for _, e := range edges {
			if !drop[e.Source] && !drop[e.Target] {
				keptEdges = append(keptEdges, e)
			}
		}
		return append(kept, merged), keptEdges
	})

	entries := make([]MergeEntry, len(selected))
	for i, n := range selected {
		analysis := "N/A"
		if n.HasResponse() {
			analysis = *n.Response
		}
		entries[i] = MergeEntry{Pitch: n.Pitch, Analysis: analysis}
	}

	gen := c.graph.bumpGeneration(merged.ID)
	summary, err := c.synth.Synthesize(ctx, entries)
	if err != nil {
		c.failNode(merged.ID, gen)
		return Node{}, fmt.Errorf("synthesize merge: %w", err)
	}

	c.graph.applyIfCurrent(merged.ID, gen, func(n Node) Node {
		n.Pitch = synthesizedPitch
		n.Response = &summary
		n.IsLoading = false
		return n
	})
	node, _ := c.graph.Node(merged.ID)
	return node, nil
}
