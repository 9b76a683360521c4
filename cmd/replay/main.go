package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	persistlog "voxelcull.ai/internal/persistence/log"
	"voxelcull.ai/internal/persistence/snapshot"
	"voxelcull.ai/internal/sim/culling"
)

func main() {
	var (
		dataDir  = flag.String("data", "./data", "runtime data directory")
		snapPath = flag.String("snapshot", "", "print the header of this .snap.zst (optional)")
		observer = flag.String("observer", "", "only this observer (optional)")
		since    = flag.String("since", "", "skip entries before this RFC3339 time (optional)")
		strict   = flag.Bool("strict", false, "exit 1 when a redundant transition is found")
	)
	flag.Parse()

	if *snapPath != "" {
		h, err := snapshot.ReadHeader(*snapPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read snapshot:", err)
			os.Exit(1)
		}
		fmt.Printf("snapshot v%d saved_at=%s worlds=%v objects=%d groups=%d\n",
			h.Version, time.UnixMilli(h.SavedAt).UTC().Format(time.RFC3339), h.Worlds, h.Objects, h.Groups)
	}

	f := filter{observer: culling.ObserverID(*observer)}
	if *since != "" {
		t, err := time.Parse(time.RFC3339, *since)
		if err != nil {
			fmt.Fprintln(os.Stderr, "bad -since:", err)
			os.Exit(2)
		}
		f.since = t
	}

	files, err := persistlog.ListFiles(filepath.Join(*dataDir, "decisions"), "decisions")
	if err != nil {
		fmt.Fprintln(os.Stderr, "list decision logs:", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "no decision logs found in", filepath.Join(*dataDir, "decisions"))
		os.Exit(1)
	}

	rep, err := replay(files, f)
	if err != nil {
		fmt.Fprintln(os.Stderr, "replay:", err)
		os.Exit(1)
	}
	rep.print(os.Stdout)
	if *strict && rep.redundant() > 0 {
		os.Exit(1)
	}
}
