package render

import (
	"fmt"
	"sync/atomic"

	"github.com/ethanfield/compositor-core/internal/frame"
)

// GPUContext is an opaque, refcounted handle standing in for a real
// Vulkan/WebGPU device+queue pair. No Go binding for either exists among
// this module's dependencies or the rest of the retrieval pack (see
// DESIGN.md), so this core models only the ownership and lifetime contract
// spec.md §9 requires — shared, not exclusive, so a render and a
// concurrent font/renderer registration never fight over device
// ownership — without claiming to perform real GPU work.
type GPUContext struct {
	deviceName string
	refs       atomic.Int64
	nextTex    atomic.Uint64
}

// NewGPUContext acquires a reference to the named GPU device. forceGPU
// mirrors spec.md's force_gpu option: when true, a zero-length deviceName
// is rejected instead of silently falling back to a software path.
func NewGPUContext(deviceName string, forceGPU bool) (*GPUContext, error) {
	if forceGPU && deviceName == "" {
		return nil, fmt.Errorf("render: force_gpu requested but no GPU device was selected")
	}
	g := &GPUContext{deviceName: deviceName}
	g.refs.Store(1)
	return g, nil
}

// Clone returns a new handle sharing the same underlying device, bumping
// the refcount. Each returned handle must be released independently.
func (g *GPUContext) Clone() *GPUContext {
	g.refs.Add(1)
	return g
}

// Release drops one reference. The count is not checked, and nothing is
// freed when it reaches zero; Pipeline does not call Release.
func (g *GPUContext) Release() {
	g.refs.Add(-1)
}

func (g *GPUContext) allocTexture(res frame.Resolution) frame.TextureHandle {
	id := g.nextTex.Add(1)
	return frame.TextureHandle{ID: id, Resolution: res}
}

// BlackTexture returns a texture handle standing in for a solid-black
// frame at res, used for fallback rendering.
func (g *GPUContext) BlackTexture(res frame.Resolution) frame.TextureHandle {
	return g.allocTexture(res)
}

// Upload binds f's data as a texture at res (resizing if f's native
// resolution differs, mirroring the original's scaling-on-upload step).
func (g *GPUContext) Upload(f frame.Frame, res frame.Resolution) frame.TextureHandle {
	if f.Data.Kind == frame.DataTexture {
		return f.Data.Texture
	}
	return g.allocTexture(res)
}

// Tile composites children into a single texture at res using a tile
// layout transform.
func (g *GPUContext) Tile(res frame.Resolution, children []boundTexture) frame.TextureHandle {
	return g.allocTexture(res)
}

// RunShader applies the named shader to children, producing a texture at
// res.
func (g *GPUContext) RunShader(shaderID string, res frame.Resolution, children []boundTexture) frame.TextureHandle {
	return g.allocTexture(res)
}

// Image resolves a registered static image asset to a texture at res.
func (g *GPUContext) Image(imageID string, res frame.Resolution) frame.TextureHandle {
	return g.allocTexture(res)
}

// Text shapes and rasterizes s to a texture at res using the currently
// registered fonts.
func (g *GPUContext) Text(s string, res frame.Resolution) frame.TextureHandle {
	return g.allocTexture(res)
}

// Download reads back a rendered texture as a planar-YUV byte buffer,
// e.g. for encoding to an RTP output.
func (g *GPUContext) Download(tex frame.TextureHandle) []byte {
	return make([]byte, tex.Resolution.Width*tex.Resolution.Height*3/2)
}
