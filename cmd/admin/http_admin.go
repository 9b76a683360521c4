package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

func stateCmd(args []string) {
	fs := flag.NewFlagSet("state", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	_ = fs.Parse(args)

	u := strings.TrimRight(strings.TrimSpace(*baseURL), "/") + "/admin/v1/state"
	cl := &http.Client{Timeout: 5 * time.Second}
	resp, err := cl.Get(u)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Println(string(b))
	if resp.StatusCode/100 != 2 {
		os.Exit(1)
	}
}

func snapshotCmd(args []string) {
	fs := flag.NewFlagSet("snapshot", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	_ = fs.Parse(args)

	os.Exit(post(*baseURL, "snapshot", nil, 10*time.Second))
}

// postCmd sends one world edit. The body is built from flags so the shell
// never has to quote JSON.
func postCmd(name string, args []string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	world := fs.String("world", "overworld", "world id")
	pos := fs.String("pos", "0,0,0", "block position x,y,z (set_block, explode)")
	block := fs.String("block", "STONE", "block name (set_block)")
	radius := fs.Int("radius", 3, "explosion radius (explode)")
	cx := fs.Float64("center_x", 0, "border centre x (border)")
	cz := fs.Float64("center_z", 0, "border centre z (border)")
	size := fs.Float64("size", 2048, "border size (border)")
	lo := fs.String("min", "0,0,0", "object min corner (spawn)")
	hi := fs.String("max", "1,1,1", "object max corner (spawn)")
	culled := fs.Bool("culled", true, "culled capability (spawn)")
	proxy := fs.Bool("render_proxy", false, "render proxy capability (spawn)")
	async := fs.Bool("async_safe", false, "async-safe capability (spawn)")
	_ = fs.Parse(args)

	body, err := editBody(name, editFlags{
		World: *world, Pos: *pos, Block: *block, Radius: *radius,
		CenterX: *cx, CenterZ: *cz, Size: *size,
		Min: *lo, Max: *hi, Culled: *culled, RenderProxy: *proxy, AsyncSafe: *async,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	os.Exit(post(*baseURL, name, body, 5*time.Second))
}

type editFlags struct {
	World   string
	Pos     string
	Block   string
	Radius  int
	CenterX float64
	CenterZ float64
	Size    float64
	Min     string
	Max     string

	Culled      bool
	RenderProxy bool
	AsyncSafe   bool
}

func editBody(name string, f editFlags) (map[string]any, error) {
	switch name {
	case "set_block":
		p, err := parseInts(f.Pos)
		if err != nil {
			return nil, fmt.Errorf("bad -pos: %w", err)
		}
		return map[string]any{"world": f.World, "pos": p, "block": strings.ToUpper(f.Block)}, nil
	case "explode":
		p, err := parseInts(f.Pos)
		if err != nil {
			return nil, fmt.Errorf("bad -pos: %w", err)
		}
		return map[string]any{"world": f.World, "center": p, "radius": f.Radius}, nil
	case "border":
		return map[string]any{"world": f.World, "center_x": f.CenterX, "center_z": f.CenterZ, "size": f.Size}, nil
	case "spawn":
		lo, err := parseFloats(f.Min)
		if err != nil {
			return nil, fmt.Errorf("bad -min: %w", err)
		}
		hi, err := parseFloats(f.Max)
		if err != nil {
			return nil, fmt.Errorf("bad -max: %w", err)
		}
		return map[string]any{
			"world": f.World, "min": lo, "max": hi,
			"culled": f.Culled, "render_proxy": f.RenderProxy, "async_safe": f.AsyncSafe,
		}, nil
	}
	return nil, fmt.Errorf("unknown command %q", name)
}

func post(baseURL, endpoint string, body map[string]any, timeout time.Duration) int {
	u := strings.TrimRight(strings.TrimSpace(baseURL), "/") + "/admin/v1/" + endpoint
	var rd io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			fmt.Fprintln(os.Stderr, "encode:", err)
			return 1
		}
		rd = bytes.NewReader(b)
	}
	req, _ := http.NewRequest(http.MethodPost, u, rd)
	req.Header.Set("Content-Type", "application/json")
	cl := &http.Client{Timeout: timeout}
	resp, err := cl.Do(req)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		return 1
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Println(strings.TrimSpace(string(b)))
	if resp.StatusCode/100 != 2 {
		return 1
	}
	return 0
}
