package render

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethanfield/compositor-core/internal/frame"
	"github.com/ethanfield/compositor-core/internal/queue"
	"github.com/ethanfield/compositor-core/pkg/logger"
)

func testGPU(t *testing.T) *GPUContext {
	t.Helper()
	g, err := NewGPUContext("test-device", false)
	require.NoError(t, err)
	return g
}

func discardLogger() *logger.Logger { return logger.Discard() }

func blackFallback(queue.InputID) frame.Frame { return frame.Frame{} }

func TestRenderSingleInputPassesThrough(t *testing.T) {
	g := New(testGPU(t), discardLogger(), 200*time.Millisecond, blackFallback)
	g.RegisterInput("cam1")
	g.UpdateScene(Scene{
		OutputID:   "out1",
		Resolution: frame.Resolution{Width: 1280, Height: 720},
		Root:       &Node{Kind: NodeInput, InputID: "cam1", Resolution: frame.Resolution{Width: 1280, Height: 720}},
	})

	in := frame.Frame{PTS: 0, Resolution: frame.Resolution{Width: 1280, Height: 720}}
	out := g.Render(0, map[queue.InputID]frame.PipelineEvent[frame.Frame]{"cam1": frame.NewData(in)})

	require.Contains(t, out, queue.OutputID("out1"))
	assert.Equal(t, frame.Resolution{Width: 1280, Height: 720}, out["out1"].Resolution)
}

func TestRenderUnregisteredOutputProducesNothing(t *testing.T) {
	g := New(testGPU(t), discardLogger(), 200*time.Millisecond, blackFallback)
	out := g.Render(0, map[queue.InputID]frame.PipelineEvent[frame.Frame]{})
	assert.Empty(t, out)
}

func TestRenderStaleInputReusesLastFrameWithinTimeout(t *testing.T) {
	g := New(testGPU(t), discardLogger(), time.Hour, blackFallback)
	g.RegisterInput("cam1")
	g.UpdateScene(Scene{
		OutputID: "out1",
		Root:     &Node{Kind: NodeInput, InputID: "cam1"},
	})

	first := frame.Frame{PTS: 0}
	g.Render(0, map[queue.InputID]frame.PipelineEvent[frame.Frame]{"cam1": frame.NewData(first)})

	// Second tick: no new frame for cam1, but well within the fallback
	// timeout, so the last bound texture should still be used rather than
	// the registered fallback.
	st := g.inputs["cam1"]
	require.NotNil(t, st.lastFrame)
	before := st.lastFrame

	g.Render(40, map[queue.InputID]frame.PipelineEvent[frame.Frame]{})
	assert.Same(t, before, st.lastFrame)
}

func TestRenderStaleInputFallsBackAfterTimeout(t *testing.T) {
	calledWith := queue.InputID("")
	fallback := func(id queue.InputID) frame.Frame {
		calledWith = id
		return frame.Frame{PTS: -1}
	}
	g := New(testGPU(t), discardLogger(), 1*time.Millisecond, fallback)
	g.RegisterInput("cam1")
	g.UpdateScene(Scene{OutputID: "out1", Root: &Node{Kind: NodeInput, InputID: "cam1"}})

	g.Render(0, map[queue.InputID]frame.PipelineEvent[frame.Frame]{"cam1": frame.NewData(frame.Frame{PTS: 0})})
	time.Sleep(5 * time.Millisecond)
	g.Render(40, map[queue.InputID]frame.PipelineEvent[frame.Frame]{})

	assert.Equal(t, queue.InputID("cam1"), calledWith)
}

func TestUpdateSceneSwapIsAtomicAcrossRenders(t *testing.T) {
	g := New(testGPU(t), discardLogger(), time.Hour, blackFallback)
	g.RegisterInput("cam1")
	g.UpdateScene(Scene{
		OutputID:   "out1",
		Resolution: frame.Resolution{Width: 640, Height: 360},
		Root:       &Node{Kind: NodeInput, InputID: "cam1"},
	})

	out := g.Render(0, map[queue.InputID]frame.PipelineEvent[frame.Frame]{"cam1": frame.NewData(frame.Frame{})})
	assert.Equal(t, frame.Resolution{Width: 640, Height: 360}, out["out1"].Resolution)

	g.UpdateScene(Scene{
		OutputID:   "out1",
		Resolution: frame.Resolution{Width: 1920, Height: 1080},
		Root:       &Node{Kind: NodeInput, InputID: "cam1"},
	})

	out = g.Render(40, map[queue.InputID]frame.PipelineEvent[frame.Frame]{"cam1": frame.NewData(frame.Frame{})})
	assert.Equal(t, frame.Resolution{Width: 1920, Height: 1080}, out["out1"].Resolution)
}

func TestUnregisterOutputStopsRendering(t *testing.T) {
	g := New(testGPU(t), discardLogger(), time.Hour, blackFallback)
	g.RegisterInput("cam1")
	g.UpdateScene(Scene{OutputID: "out1", Root: &Node{Kind: NodeInput, InputID: "cam1"}})
	g.UnregisterOutput("out1")

	out := g.Render(0, map[queue.InputID]frame.PipelineEvent[frame.Frame]{"cam1": frame.NewData(frame.Frame{})})
	assert.Empty(t, out)
}

func TestTilesNodeRecursesIntoChildren(t *testing.T) {
	g := New(testGPU(t), discardLogger(), time.Hour, blackFallback)
	g.RegisterInput("a")
	g.RegisterInput("b")
	g.UpdateScene(Scene{
		OutputID: "out1",
		Root: &Node{
			Kind: NodeTiles,
			Children: []*Node{
				{Kind: NodeInput, InputID: "a"},
				{Kind: NodeInput, InputID: "b"},
			},
		},
	})

	out := g.Render(0, map[queue.InputID]frame.PipelineEvent[frame.Frame]{
		"a": frame.NewData(frame.Frame{}),
		"b": frame.NewData(frame.Frame{}),
	})
	require.Contains(t, out, queue.OutputID("out1"))
}

func TestShaderNodeFallsBackWhenRendererUnregistered(t *testing.T) {
	g := New(testGPU(t), discardLogger(), time.Hour, blackFallback)
	g.UpdateScene(Scene{OutputID: "out1", Root: &Node{Kind: NodeShader, ShaderID: "missing"}})

	out := g.Render(0, nil)
	require.Contains(t, out, queue.OutputID("out1"))
}

func TestShaderNodeRendersWhenRegistered(t *testing.T) {
	g := New(testGPU(t), discardLogger(), time.Hour, blackFallback)
	g.RegisterRenderer("blur", RendererSpec{Kind: RendererShader, Source: []byte("blur.wgsl")})
	g.UpdateScene(Scene{OutputID: "out1", Root: &Node{Kind: NodeShader, ShaderID: "blur"}})

	out := g.Render(0, nil)
	require.Contains(t, out, queue.OutputID("out1"))
}

func TestRegisterFontDoesNotPanicOnTextNode(t *testing.T) {
	g := New(testGPU(t), discardLogger(), time.Hour, blackFallback)
	g.RegisterFont("sans", []byte("fake-ttf-bytes"))
	g.UpdateScene(Scene{OutputID: "out1", Root: &Node{Kind: NodeText, Text: "hello"}})

	out := g.Render(0, nil)
	require.Contains(t, out, queue.OutputID("out1"))
}
