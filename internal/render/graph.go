// Package render implements the per-output scene compositor: a directed
// acyclic graph of nodes mapping registered input frames to one output
// frame per tick, with fallback behavior for stalled inputs and atomic
// scene-root swaps so no tick ever observes a half-updated graph.
package render

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethanfield/compositor-core/internal/frame"
	"github.com/ethanfield/compositor-core/internal/pts"
	"github.com/ethanfield/compositor-core/internal/queue"
	"github.com/ethanfield/compositor-core/pkg/logger"
)

// NodeKind discriminates the transform node variants the original scene
// description compiles down to.
type NodeKind int

const (
	// NodeInput is a leaf binding one registered input's current texture.
	NodeInput NodeKind = iota
	// NodeTiles arranges its children in a tiled layout.
	NodeTiles
	// NodeShader runs a registered shader over its children's textures.
	NodeShader
	// NodeImage overlays a registered static image asset.
	NodeImage
	// NodeText renders shaped text using the registered font set.
	NodeText
)

// Node is one vertex of a scene's render graph. Resolution is pinned at
// graph-build time, per spec.md §4.6.
type Node struct {
	Kind       NodeKind
	Resolution frame.Resolution
	InputID    queue.InputID // valid when Kind == NodeInput
	ShaderID   string        // valid when Kind == NodeShader
	ImageID    string        // valid when Kind == NodeImage
	Text       string        // valid when Kind == NodeText
	Children   []*Node
}

// Scene is one output's compiled render graph: a root node plus the
// output's target resolution and format.
type Scene struct {
	OutputID   queue.OutputID
	Root       *Node
	Resolution frame.Resolution
}

// inputState tracks the last frame seen for one input, for the
// stale-input fallback rule in Upload.
type inputState struct {
	lastFrame *frame.Frame
	lastSeen  time.Time
}

// Graph renders every registered output's current Scene once per tick. Its
// exported surface matches the per-output structure spec.md describes, but
// one Graph instance owns every output in a pipeline (a single GPU context
// is shared, per spec.md §9's ownership note).
type Graph struct {
	gpu    *GPUContext
	logger *logger.Logger

	streamFallbackTimeout time.Duration
	fallbackFrame         func(queue.InputID) frame.Frame

	// mu serializes every tick against registration/update traffic. Each
	// output's tick runs on its own goroutine (internal/pipeline), so the
	// inputs/scenes/renderers maps below are shared mutable state across
	// goroutines even though any single output's own scene swap is also
	// individually atomic via scenePtr.
	mu        sync.Mutex
	inputs    map[queue.InputID]*inputState
	scenes    map[queue.OutputID]*scenePtr
	fontReg   *fontRegistry
	renderers map[string]RendererSpec
}

// RendererSpecKind discriminates the three ways register_renderer can
// install a named, reusable transform (spec.md §6): a shader program, a
// web renderer session, or a static image asset.
type RendererSpecKind int

const (
	RendererShader RendererSpecKind = iota
	RendererWeb
	RendererImage
)

// RendererSpec is one named, registered transform that NodeShader/NodeImage
// nodes reference by ID.
type RendererSpec struct {
	Kind   RendererSpecKind
	Source []byte // shader source or image bytes, depending on Kind
}

// scenePtr holds one output's current Scene behind an atomic swap so a
// concurrent UpdateScene can never be observed half-applied by a render in
// progress.
type scenePtr struct {
	current atomic.Pointer[Scene]
}

// New creates a Graph backed by gpu (never nil; see gpu.go for the opaque
// refcounted handle this core uses in place of a real Vulkan/WebGPU
// binding). fallbackFrame supplies the frame to render for a registered
// input that has not delivered a frame yet, or whose last frame is older
// than streamFallbackTimeout. An input node naming an unregistered input
// renders black.
func New(gpu *GPUContext, log *logger.Logger, streamFallbackTimeout time.Duration, fallbackFrame func(queue.InputID) frame.Frame) *Graph {
	return &Graph{
		gpu:                   gpu,
		logger:                log.With("component", "render"),
		streamFallbackTimeout: streamFallbackTimeout,
		fallbackFrame:         fallbackFrame,
		inputs:                make(map[queue.InputID]*inputState),
		scenes:                make(map[queue.OutputID]*scenePtr),
		fontReg:               newFontRegistry(256),
		renderers:             make(map[string]RendererSpec),
	}
}

// RegisterRenderer installs a named transform, referenceable from NodeShader
// (RendererShader/RendererWeb kinds) or NodeImage (RendererImage) nodes.
func (g *Graph) RegisterRenderer(id string, spec RendererSpec) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.renderers[id] = spec
}

// UnregisterRenderer removes a named transform; any scene still
// referencing it falls back to a black texture at render time.
func (g *Graph) UnregisterRenderer(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.renderers, id)
}

// RegisterInput makes an input available to the graph; it renders as
// fallback until a frame arrives.
func (g *Graph) RegisterInput(id queue.InputID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.inputs[id]; !ok {
		g.inputs[id] = &inputState{}
	}
}

// UnregisterInput drops an input's tracked state; any scene referencing it
// renders fallback from then on.
func (g *Graph) UnregisterInput(id queue.InputID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.inputs, id)
}

// UpdateScene rebuilds the subgraph for output_id. The swap is atomic: a
// render already in flight for this output finishes against the old root;
// the next tick observes the new one in full.
func (g *Graph) UpdateScene(s Scene) {
	g.mu.Lock()
	sp, ok := g.scenes[s.OutputID]
	if !ok {
		sp = &scenePtr{}
		g.scenes[s.OutputID] = sp
	}
	g.mu.Unlock()
	sp.current.Store(&s)
}

// UnregisterOutput drops an output's scene; subsequent ticks render
// nothing for it.
func (g *Graph) UnregisterOutput(id queue.OutputID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.scenes, id)
}

// RegisterFont adds a font source to the shared registry used by text
// nodes, cached by an LRU so repeatedly-referenced glyph sets aren't
// re-shaped every tick.
func (g *Graph) RegisterFont(id string, source []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fontReg.Register(id, source)
}

// Render runs one full tick: Upload, Transform, Download, for every
// currently-registered output. inputs is this tick's VideoTick.Frames map.
func (g *Graph) Render(t pts.PTS, inputs map[queue.InputID]frame.PipelineEvent[frame.Frame]) map[queue.OutputID]frame.Frame {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.upload(t, inputs)

	out := make(map[queue.OutputID]frame.Frame, len(g.scenes))
	for outputID, sp := range g.scenes {
		if f, ok := g.renderScene(t, sp); ok {
			out[outputID] = f
		}
	}
	return out
}

// RenderOutput runs Upload/Transform/Download for a single output, the
// shape internal/pipeline drives each output's independently-cadenced
// tick loop through. It reports ok=false if id has no registered scene
// (e.g. it was unregistered mid-tick, per spec.md §4.6).
func (g *Graph) RenderOutput(id queue.OutputID, t pts.PTS, inputs map[queue.InputID]frame.PipelineEvent[frame.Frame]) (frame.Frame, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.upload(t, inputs)

	sp, ok := g.scenes[id]
	if !ok {
		g.logger.DebugRender("render output has no registered scene", "output_id", id)
		return frame.Frame{}, false
	}
	return g.renderScene(t, sp)
}

// renderScene runs Transform/Download against sp's current scene; it is
// the single per-output render path shared by Render and RenderOutput.
func (g *Graph) renderScene(t pts.PTS, sp *scenePtr) (frame.Frame, bool) {
	scene := sp.current.Load()
	if scene == nil {
		return frame.Frame{}, false
	}
	bound := g.transform(scene.Root)
	return g.download(t, scene, bound), true
}

// upload binds each input's current-tick frame, or its fallback, per
// spec.md §4.6 step 1: within stream_fallback_timeout of the last real
// frame, the last real frame is reused; beyond that, the registered
// fallback (or black) is rendered.
func (g *Graph) upload(t pts.PTS, inputs map[queue.InputID]frame.PipelineEvent[frame.Frame]) {
	now := time.Now()
	for id, st := range g.inputs {
		ev, ok := inputs[id]
		if ok && ev.Kind == frame.EventData {
			f := ev.Data
			st.lastFrame = &f
			st.lastSeen = now
			continue
		}
		if st.lastFrame != nil && now.Sub(st.lastSeen) <= g.streamFallbackTimeout {
			continue // reuse st.lastFrame as-is
		}
		if g.fallbackFrame != nil {
			g.logger.DebugRender("input stale past fallback timeout, using fallback frame", "input_id", id)
			f := g.fallbackFrame(id)
			st.lastFrame = &f
		}
	}
}

// boundTexture is what transform/download pass between graph stages: an
// opaque texture plus the resolution it was rendered at.
type boundTexture struct {
	texture frame.TextureHandle
}

// transform executes the graph in topological order (trivially guaranteed
// here: each node's children are rendered before the node itself, and the
// graph is a tree so there is exactly one topological order). An input
// node not currently registered renders as fallback (black) until it is.
func (g *Graph) transform(n *Node) boundTexture {
	if n == nil {
		return boundTexture{texture: g.gpu.BlackTexture(frame.Resolution{})}
	}
	switch n.Kind {
	case NodeInput:
		st, ok := g.inputs[n.InputID]
		if !ok || st.lastFrame == nil {
			return boundTexture{texture: g.gpu.BlackTexture(n.Resolution)}
		}
		return boundTexture{texture: g.gpu.Upload(*st.lastFrame, n.Resolution)}
	case NodeTiles:
		children := make([]boundTexture, len(n.Children))
		for i, c := range n.Children {
			children[i] = g.transform(c)
		}
		return boundTexture{texture: g.gpu.Tile(n.Resolution, children)}
	case NodeShader:
		children := make([]boundTexture, len(n.Children))
		for i, c := range n.Children {
			children[i] = g.transform(c)
		}
		if _, ok := g.renderers[n.ShaderID]; !ok {
			return boundTexture{texture: g.gpu.BlackTexture(n.Resolution)}
		}
		return boundTexture{texture: g.gpu.RunShader(n.ShaderID, n.Resolution, children)}
	case NodeImage:
		if _, ok := g.renderers[n.ImageID]; !ok {
			return boundTexture{texture: g.gpu.BlackTexture(n.Resolution)}
		}
		return boundTexture{texture: g.gpu.Image(n.ImageID, n.Resolution)}
	case NodeText:
		g.fontReg.Touch(n.Text)
		return boundTexture{texture: g.gpu.Text(n.Text, n.Resolution)}
	default:
		return boundTexture{texture: g.gpu.BlackTexture(n.Resolution)}
	}
}

// download converts the root texture to the output's Frame, per spec.md
// §4.6 step 3.
func (g *Graph) download(t pts.PTS, scene *Scene, root boundTexture) frame.Frame {
	return frame.Frame{
		PTS:        t,
		Resolution: scene.Resolution,
		Data: frame.FrameData{
			Kind:    frame.DataTexture,
			Texture: root.texture,
		},
	}
}
