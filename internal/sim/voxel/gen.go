package voxel

// Gen describes the generated terrain: solid ground up to GroundY with
// scattered pillars, deterministic in Seed.
type Gen struct {
	Seed    int64 `yaml:"seed"`
	MinY    int   `yaml:"min_y"`
	MaxY    int   `yaml:"max_y"`
	GroundY int   `yaml:"ground_y"`
	// PillarPermille is the chance per column of a pillar.
	PillarPermille int `yaml:"pillar_permille"`
	PillarHeight   int `yaml:"pillar_height"`
}

func (g Gen) normalized() Gen {
	if g.MaxY <= g.MinY {
		g.MinY, g.MaxY = -64, 320
	}
	if g.GroundY < g.MinY || g.GroundY >= g.MaxY {
		g.GroundY = g.MinY
	}
	if g.PillarPermille < 0 {
		g.PillarPermille = 0
	}
	if g.PillarPermille > 1000 {
		g.PillarPermille = 1000
	}
	if g.PillarHeight <= 0 {
		g.PillarHeight = 4
	}
	return g
}

func (g Gen) generate(k ChunkKey) *Chunk {
	h := g.MaxY - g.MinY
	c := &Chunk{CX: k.CX, CZ: k.CZ, minY: g.MinY, height: h, Blocks: make([]Block, 16*16*h)}
	for z := 0; z < 16; z++ {
		for x := 0; x < 16; x++ {
			wx, wz := k.CX*16+x, k.CZ*16+z
			for y := g.MinY; y < g.GroundY; y++ {
				b := Stone
				if y >= g.GroundY-3 {
					b = Dirt
				}
				c.set(x, y, z, b)
			}
			if int(hash3(g.Seed, wx, 0, wz)%1000) < g.PillarPermille {
				top := min(g.GroundY+g.PillarHeight, g.MaxY)
				for y := g.GroundY; y < top; y++ {
					c.set(x, y, z, Log)
				}
			}
		}
	}
	return c
}

// ColumnHeight returns the first air block above generated ground at (x,z),
// ignoring edits.
func (g Gen) ColumnHeight(x, z int) int {
	g = g.normalized()
	if int(hash3(g.Seed, x, 0, z)%1000) < g.PillarPermille {
		return min(g.GroundY+g.PillarHeight, g.MaxY)
	}
	return g.GroundY
}

func mix64(z uint64) uint64 {
	z += 0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

func hash3(seed int64, x, y, z int) uint64 {
	ux := uint64(uint32(int32(x)))
	uy := uint64(uint32(int32(y)))
	uz := uint64(uint32(int32(z)))
	v := uint64(seed) ^ (ux * 0x9e3779b97f4a7c15) ^ (uy * 0xc2b2ae3d27d4eb4f) ^ (uz * 0xbf58476d1ce4e5b9)
	return mix64(v)
}
