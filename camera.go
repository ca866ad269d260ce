package rendergraph

import (
	"encoding/binary"
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// CameraData is the CPU-side view of the camera state consumed by the
// culling and LOD selection dispatches.
type CameraData struct {
	View     mgl32.Mat4
	Proj     mgl32.Mat4
	Position mgl32.Vec3
	Near     float32
	Far      float32
}

func (c *CameraData) ViewProj() mgl32.Mat4 {
	return c.Proj.Mul4(c.View)
}

// ExtractFrustumPlanes extracts the 6 planes of the frustum from the
// view-projection matrix. Returns planes in order: Left, Right, Bottom,
// Top, Near, Far. Plane is Ax + By + Cz + D = 0, normals pointing inward.
func ExtractFrustumPlanes(vp mgl32.Mat4) [6]mgl32.Vec4 {
	var planes [6]mgl32.Vec4

	// Left plane: Row 3 + Row 0
	planes[0] = mgl32.Vec4{
		vp.At(3, 0) + vp.At(0, 0),
		vp.At(3, 1) + vp.At(0, 1),
		vp.At(3, 2) + vp.At(0, 2),
		vp.At(3, 3) + vp.At(0, 3),
	}
	// Right plane: Row 3 - Row 0
	planes[1] = mgl32.Vec4{
		vp.At(3, 0) - vp.At(0, 0),
		vp.At(3, 1) - vp.At(0, 1),
		vp.At(3, 2) - vp.At(0, 2),
		vp.At(3, 3) - vp.At(0, 3),
	}
	// Bottom plane: Row 3 + Row 1
	planes[2] = mgl32.Vec4{
		vp.At(3, 0) + vp.At(1, 0),
		vp.At(3, 1) + vp.At(1, 1),
		vp.At(3, 2) + vp.At(1, 2),
		vp.At(3, 3) + vp.At(1, 3),
	}
	// Top plane: Row 3 - Row 1
	planes[3] = mgl32.Vec4{
		vp.At(3, 0) - vp.At(1, 0),
		vp.At(3, 1) - vp.At(1, 1),
		vp.At(3, 2) - vp.At(1, 2),
		vp.At(3, 3) - vp.At(1, 3),
	}
	// Near plane: Row 3 + Row 2 (OpenGL-style -1..1)
	planes[4] = mgl32.Vec4{
		vp.At(3, 0) + vp.At(2, 0),
		vp.At(3, 1) + vp.At(2, 1),
		vp.At(3, 2) + vp.At(2, 2),
		vp.At(3, 3) + vp.At(2, 3),
	}
	// Far plane: Row 3 - Row 2
	planes[5] = mgl32.Vec4{
		vp.At(3, 0) - vp.At(2, 0),
		vp.At(3, 1) - vp.At(2, 1),
		vp.At(3, 2) - vp.At(2, 2),
		vp.At(3, 3) - vp.At(2, 3),
	}

	// Normalize planes
	for i := 0; i < 6; i++ {
		length := float32(math.Sqrt(float64(planes[i][0]*planes[i][0] + planes[i][1]*planes[i][1] + planes[i][2]*planes[i][2])))
		if length > 0 {
			planes[i] = planes[i].Mul(1.0 / length)
		}
	}

	return planes
}

// CameraBlockSize is the byte size of the packed culling uniform block.
const CameraBlockSize = 320

// packCameraBlock serializes the camera and the culling parameters into buf.
// buf must be at least CameraBlockSize bytes.
//
//	Struct CullCamera {
//	  view_proj: mat4x4<f32>;   -- 64
//	  frustum: array<vec4,6>;   -- 160
//	  cam_pos: vec4<f32>;       -- 176
//	  lod_bias: f32;            -- 180
//	  max_distance: f32;        -- 184
//	  occlusion_bias: f32;      -- 188
//	  instance_count: u32;      -- 192
//	  hiz_size: vec2<u32>;      -- 200
//	  flags: u32;               -- 204
//	  near: f32;                -- 208
//	  far: f32;                 -- 212
//	} -> 320 bytes (padded)
//
// Offsets name the end of each field.
func packCameraBlock(buf []byte, cam *CameraData, cfg *CullingConfig, instanceCount uint32, hizW, hizH uint32) {
	vp := cam.ViewProj()
	planes := ExtractFrustumPlanes(vp)

	writeMat := func(offset int, mat mgl32.Mat4) {
		for i, v := range mat {
			binary.LittleEndian.PutUint32(buf[offset+i*4:], math.Float32bits(v))
		}
	}
	writeF32 := func(offset int, v float32) {
		binary.LittleEndian.PutUint32(buf[offset:], math.Float32bits(v))
	}

	writeMat(0, vp) // view_proj

	// Frustum planes
	for i, p := range planes {
		off := 64 + i*16
		writeF32(off+0, p[0])
		writeF32(off+4, p[1])
		writeF32(off+8, p[2])
		writeF32(off+12, p[3])
	}

	// Cam Pos
	writeF32(160, cam.Position[0])
	writeF32(164, cam.Position[1])
	writeF32(168, cam.Position[2])
	binary.LittleEndian.PutUint32(buf[172:], 0)

	writeF32(176, cfg.LODBias)
	writeF32(180, cfg.MaxDistance)
	writeF32(184, cfg.OcclusionRadiusBias)
	binary.LittleEndian.PutUint32(buf[188:], instanceCount)

	binary.LittleEndian.PutUint32(buf[192:], hizW)
	binary.LittleEndian.PutUint32(buf[196:], hizH)
	binary.LittleEndian.PutUint32(buf[200:], cfg.flagsWord())

	writeF32(204, cam.Near)
	writeF32(208, cam.Far)

	for i := 212; i < CameraBlockSize; i += 4 {
		binary.LittleEndian.PutUint32(buf[i:], 0)
	}
}
