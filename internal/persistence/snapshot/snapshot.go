package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"
)

const Version = 1

type Header struct {
	Version int      `json:"version"`
	SavedAt int64    `json:"saved_at_unix_ms"`
	Worlds  []string `json:"worlds"`
	Objects int      `json:"objects"`
	Groups  int      `json:"groups"`
}

// SnapshotV1 is the host state needed for a warm restart. Generated terrain is
// not stored; worlds are regenerated from Gen and then the edits are replayed.
type SnapshotV1 struct {
	Header Header `json:"header"`

	Worlds  []WorldV1  `json:"worlds"`
	Groups  []GroupV1  `json:"groups"`
	Objects []ObjectV1 `json:"objects"`
}

type WorldV1 struct {
	Name string `json:"name"`

	BorderCenterX float64 `json:"border_center_x"`
	BorderCenterZ float64 `json:"border_center_z"`
	BorderSize    float64 `json:"border_size"`

	Seed           int64 `json:"seed"`
	MinY           int   `json:"min_y"`
	MaxY           int   `json:"max_y"`
	GroundY        int   `json:"ground_y"`
	PillarPermille int   `json:"pillar_permille"`
	PillarHeight   int   `json:"pillar_height"`

	Loaded []ChunkKeyV1 `json:"loaded"`
	Edits  []EditV1     `json:"edits"`
}

type ChunkKeyV1 struct {
	CX int `json:"cx"`
	CZ int `json:"cz"`
}

type EditV1 struct {
	Pos   [3]int `json:"pos"`
	Block string `json:"block"`
}

type GroupV1 struct {
	ID        uint64 `json:"id"`
	Name      string `json:"name"`
	AsyncSafe bool   `json:"async_safe,omitempty"`
}

type ObjectV1 struct {
	ID    uint64     `json:"id"`
	World string     `json:"world"`
	Min   [3]float64 `json:"min"`
	Max   [3]float64 `json:"max"`

	Culled      bool     `json:"culled,omitempty"`
	RenderProxy bool     `json:"render_proxy,omitempty"`
	AsyncSafe   bool     `json:"async_safe,omitempty"`
	Groups      []uint64 `json:"groups,omitempty"`
}

func WriteSnapshot(path string, snap SnapshotV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	// Write to a temp file and rename so a crash never leaves a torn snapshot
	// under the final name.
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := encode(f, snap); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func encode(f *os.File, snap SnapshotV1) error {
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return enc.Close()
}

func ReadSnapshot(path string) (SnapshotV1, error) {
	var snap SnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)

	// The gob body repeats the header.
	if _, err := br.ReadBytes('\n'); err != nil {
		return snap, fmt.Errorf("read header: %w", err)
	}
	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	if snap.Header.Version != Version {
		return snap, fmt.Errorf("unsupported snapshot version %d", snap.Header.Version)
	}
	return snap, nil
}

// ReadHeader decodes only the leading JSON header line.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()

	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("read header: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("decode header: %w", err)
	}
	return h, nil
}

// FileName names a snapshot by its save time so lexical order is save order.
func FileName(savedAtUnixMs int64) string {
	return fmt.Sprintf("%015d.snap.zst", savedAtUnixMs)
}

// Latest returns the newest snapshot in dir, or "" if there is none.
func Latest(dir string) (string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	var names []string
	for _, e := range ents {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".snap.zst") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", nil
	}
	sort.Strings(names)
	return filepath.Join(dir, names[len(names)-1]), nil
}
