package culling

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"

	"voxelcull.ai/internal/sim/opacity"
)

const rayStep = 1.0

// countOccluders walks from eye towards end in fixed steps, the last step
// clamped onto end, and counts the opaque voxels it passes. The voxel at eye
// itself is not sampled. Counting stops once it exceeds limit.
func countOccluders(eye, end mgl64.Vec3, limit int, opaque func(opacity.BlockPos) bool) int {
	delta := end.Sub(eye)
	total := delta.Len()
	if total == 0 {
		return 0
	}
	dir := delta.Mul(1 / total)

	count := 0
	var last opacity.BlockPos
	sampled := false
	for travelled := 0.0; travelled < total; {
		travelled += rayStep
		cur := end
		if travelled < total {
			cur = eye.Add(dir.Mul(travelled))
		}
		p := blockAt(cur)
		if sampled && p == last {
			continue
		}
		last, sampled = p, true
		if opaque(p) {
			count++
			if count > limit {
				break
			}
		}
	}
	return count
}

func blockAt(v mgl64.Vec3) opacity.BlockPos {
	return opacity.BlockPos{
		X: int(math.Floor(v[0])),
		Y: int(math.Floor(v[1])),
		Z: int(math.Floor(v[2])),
	}
}
