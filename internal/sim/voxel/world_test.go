package voxel

import (
	"errors"
	"testing"

	"voxelcull.ai/internal/sim/opacity"
)

func flatGen() Gen {
	return Gen{Seed: 1, MinY: 0, MaxY: 64, GroundY: 10}
}

func TestWorld_GeneratedGroundIsOpaque(t *testing.T) {
	w := NewWorld("overworld", flatGen())
	ws := NewWorlds()
	ws.Add(w)

	p := opacity.BlockPos{X: -3, Y: 5, Z: 20}
	if _, err := ws.IsOpaque("overworld", p); !errors.Is(err, ErrNotLoaded) {
		t.Fatalf("unloaded chunk err=%v", err)
	}
	if !w.LoadChunk(p.Region()) || w.LoadChunk(p.Region()) {
		t.Fatalf("LoadChunk should report a new load exactly once")
	}
	if !ws.RegionLoaded("overworld", p.Region()) {
		t.Fatalf("region should be loaded")
	}
	opaque, err := ws.IsOpaque("overworld", p)
	if err != nil || !opaque {
		t.Fatalf("ground: opaque=%v err=%v", opaque, err)
	}
	opaque, _ = ws.IsOpaque("overworld", opacity.BlockPos{X: -3, Y: 40, Z: 20})
	if opaque {
		t.Fatalf("sky should be clear")
	}
	if _, err := ws.IsOpaque("nether", p); err == nil {
		t.Fatalf("unknown world should fail")
	}
}

func TestWorld_EditsSurviveReload(t *testing.T) {
	w := NewWorld("overworld", flatGen())
	p := opacity.BlockPos{X: 17, Y: 30, Z: -1}
	w.LoadChunk(p.Region())

	old, err := w.Set(p, Glass)
	if err != nil || old != Air {
		t.Fatalf("Set old=%v err=%v", old, err)
	}
	if b, _ := w.Get(p); b.Opaque() {
		t.Fatalf("glass must not be opaque")
	}
	w.UnloadChunk(p.Region())
	if _, err := w.Get(p); !errors.Is(err, ErrNotLoaded) {
		t.Fatalf("get after unload err=%v", err)
	}
	w.LoadChunk(p.Region())
	if b, _ := w.Get(p); b != Glass {
		t.Fatalf("reloaded block=%v want GLASS", b)
	}
	if _, err := w.Set(opacity.BlockPos{X: 17, Y: 99, Z: -1}, Stone); err == nil {
		t.Fatalf("out of height range should fail")
	}
}

func TestParseBlock(t *testing.T) {
	for _, b := range []Block{Air, Stone, Dirt, Glass, Leaves, Log, Machine} {
		got, err := ParseBlock(b.String())
		if err != nil || got != b {
			t.Fatalf("ParseBlock(%s) = %v, %v", b, got, err)
		}
	}
	if _, err := ParseBlock("BEDROCK"); err == nil {
		t.Fatalf("expected unknown block error")
	}
}
