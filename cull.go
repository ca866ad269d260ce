package rendergraph

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// Sphere is a bounding sphere in world space.
type Sphere struct {
	Center mgl32.Vec3
	Radius float32
}

// LargestAxisScale returns the largest column scale of the upper 3x3 of m.
// Using the largest axis keeps transformed bounds conservative under
// non-uniform scaling.
func LargestAxisScale(m mgl32.Mat4) float32 {
	sx := m.Col(0).Vec3().Len()
	sy := m.Col(1).Vec3().Len()
	sz := m.Col(2).Vec3().Len()
	s := sx
	if sy > s {
		s = sy
	}
	if sz > s {
		s = sz
	}
	return s
}

// WorldSphere transforms a local-space bounding sphere by a model matrix.
// The result is conservative: it always contains the transformed geometry,
// and may be larger than the tightest fit when the scale is non-uniform.
func WorldSphere(local Sphere, model mgl32.Mat4) Sphere {
	c := model.Mul4x1(local.Center.Vec4(1))
	return Sphere{
		Center: c.Vec3(),
		Radius: local.Radius * LargestAxisScale(model),
	}
}

// SphereInFrustum checks a sphere against 6 frustum planes in
// Ax+By+Cz+D=0 form with normals pointing inside. A sphere touching a
// plane counts as visible.
func SphereInFrustum(s Sphere, planes [6]mgl32.Vec4) bool {
	for i := 0; i < 6; i++ {
		plane := planes[i]
		dist := plane[0]*s.Center[0] + plane[1]*s.Center[1] + plane[2]*s.Center[2] + plane[3]
		if dist < -s.Radius {
			return false
		}
	}
	return true
}

// ProjectedRadius approximates the screen-space radius of a sphere in
// normalized device units, given the distance to the camera and the
// projection's vertical scale (proj[1][1]).
func ProjectedRadius(radius, distance, projScaleY float32) float32 {
	if distance <= radius {
		// Camera inside the sphere, fills the screen.
		return 1
	}
	return radius * projScaleY / distance
}

// ClosestDepth returns a conservative nearest depth for a sphere, as seen
// from the camera. The projected radius is scaled by bias before it is
// subtracted from the center depth; a larger bias assumes the sphere
// reaches further toward the camera and culls less.
func ClosestDepth(centerDepth, projRadius, bias float32) float32 {
	d := centerDepth - projRadius*bias
	if d < 0 {
		d = 0
	}
	return d
}

// HiZMipForFootprint picks the hierarchical depth mip whose texel covers a
// screen footprint of the given pixel width. One fetch at that mip bounds
// the whole footprint.
func HiZMipForFootprint(footprintPx float32, mipCount uint32) uint32 {
	if footprintPx <= 1 || mipCount == 0 {
		return 0
	}
	mip := uint32(math.Ceil(math.Log2(float64(footprintPx))))
	if mip >= mipCount {
		mip = mipCount - 1
	}
	return mip
}

// SphereDepthVisible is the occlusion test against a hierarchical depth
// value: the sphere may be visible when its conservative closest depth is
// not behind the furthest depth recorded over its footprint.
func SphereDepthVisible(closestDepth, hizMaxDepth float32) bool {
	return closestDepth <= hizMaxDepth
}

// DistanceCulled reports whether a sphere lies entirely beyond the draw
// distance. maxDistance <= 0 disables the test.
func DistanceCulled(s Sphere, camPos mgl32.Vec3, maxDistance float32) bool {
	if maxDistance <= 0 {
		return false
	}
	return s.Center.Sub(camPos).Len()-s.Radius > maxDistance
}

// ContributionCulled drops spheres whose projected footprint is below a
// pixel threshold. minPx <= 0 disables the test.
func ContributionCulled(projRadius float32, viewportHeight uint32, minPx float32) bool {
	if minPx <= 0 {
		return false
	}
	return projRadius*float32(viewportHeight)*0.5 < minPx
}
