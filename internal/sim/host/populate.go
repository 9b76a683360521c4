package host

import (
	"fmt"
	"math/rand"

	"github.com/go-gl/mathgl/mgl64"

	"voxelcull.ai/internal/sim/culling"
	"voxelcull.ai/internal/sim/octree"
)

func vec(a [3]float64) mgl64.Vec3 { return mgl64.Vec3{a[0], a[1], a[2]} }

// Populate scatters a demo scene of n objects on the ground around the border
// centre of world: plain culled machines, render proxies, and every fourth
// object placed in a small multi-block group.
func (h *Host) Populate(world string, n int, seed int64) (int, error) {
	w, ok := h.worlds.Get(world)
	if !ok {
		return 0, fmt.Errorf("unknown world %q", world)
	}
	b, _ := h.Border(world)
	g := w.Gen()
	rng := rand.New(rand.NewSource(seed))
	spread := int(b.Size / 8)
	if spread < 16 {
		spread = 16
	}

	spawned := 0
	for i := 0; i < n; i++ {
		x := int(b.CenterX) + rng.Intn(2*spread+1) - spread
		z := int(b.CenterZ) + rng.Intn(2*spread+1) - spread
		y := g.ColumnHeight(x, z)
		base := mgl64.Vec3{float64(x), float64(y), float64(z)}

		switch i % 4 {
		case 0, 1:
			if _, err := h.Spawn(culling.Object{
				World:  world,
				Bounds: octree.NewBox(base, base.Add(mgl64.Vec3{1, 1, 1})),
				Caps:   culling.Capabilities{Culled: true, AsyncSafe: i%2 == 1},
			}); err != nil {
				return spawned, err
			}
			spawned++
		case 2:
			if _, err := h.Spawn(culling.Object{
				World:  world,
				Bounds: octree.NewBox(base, base.Add(mgl64.Vec3{1, 2, 1})),
				Caps:   culling.Capabilities{RenderProxy: true},
			}); err != nil {
				return spawned, err
			}
			spawned++
		default:
			gid := h.engine.CreateGroup(fmt.Sprintf("cluster-%d", i), false)
			for dx := 0; dx < 3; dx++ {
				p := base.Add(mgl64.Vec3{float64(dx), 0, 0})
				if _, err := h.Spawn(culling.Object{
					World:  world,
					Bounds: octree.NewBox(p, p.Add(mgl64.Vec3{1, 1, 1})),
					Caps:   culling.Capabilities{Groups: []culling.GroupID{gid}},
				}); err != nil {
					return spawned, err
				}
				spawned++
			}
		}
	}
	return spawned, nil
}
