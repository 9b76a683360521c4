package main

import (
	"encoding/json"
	"flag"
	"log"
	"math"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"

	"voxelcull.ai/internal/protocol"
)

// Eye height above the feet of a standing observer.
const eyeHeight = 1.62

func main() {
	var (
		url      = flag.String("url", "ws://localhost:8080/v1/observe", "ws url")
		id       = flag.String("id", "", "observer id (empty: server assigns one)")
		world    = flag.String("world", "overworld", "world to observe")
		y        = flag.Float64("y", 72, "feet height")
		radius   = flag.Float64("radius", 24, "walk circle radius")
		period   = flag.Duration("period", 40*time.Second, "time for one lap")
		step     = flag.Duration("step", 250*time.Millisecond, "pose update interval")
		preset   = flag.String("preset", "", "request this preset after WELCOME")
		proxies  = flag.Bool("render_proxies", true, "ask for render proxies")
		viewDist = flag.Int("view_distance", 8, "view distance in chunks")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)
	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	start := [3]float64{*radius, *y, 0}
	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		ObserverID:      *id,
		World:           *world,
		Feet:            start,
		Eye:             eye(start),
		ViewDistance:    *viewDist,
		RenderProxies:   *proxies,
	}
	if err := conn.WriteJSON(hello); err != nil {
		logger.Fatalf("send HELLO: %v", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)

	msgs := make(chan []byte, 64)
	go func() {
		defer close(msgs)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				logger.Printf("read: %v", err)
				return
			}
			msgs <- msg
		}
	}()

	var (
		st       stats
		walking  bool
		began    = time.Now()
		ticker   = time.NewTicker(*step)
		reportAt = time.NewTicker(10 * time.Second)
	)
	defer ticker.Stop()
	defer reportAt.Stop()

	for {
		select {
		case <-stop:
			logger.Printf("final %s", st)
			return

		case <-reportAt.C:
			logger.Printf("%s", st)

		case <-ticker.C:
			if !walking {
				continue
			}
			a := 2 * math.Pi * time.Since(began).Seconds() / period.Seconds()
			feet := [3]float64{*radius * math.Cos(a), *y, *radius * math.Sin(a)}
			pose := protocol.PoseMsg{
				Type:            protocol.TypePose,
				ProtocolVersion: protocol.Version,
				Feet:            feet,
				Eye:             eye(feet),
			}
			if err := conn.WriteJSON(pose); err != nil {
				logger.Printf("send POSE: %v", err)
				return
			}

		case msg, ok := <-msgs:
			if !ok {
				logger.Printf("final %s", st)
				return
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil {
				continue
			}
			switch base.Type {
			case protocol.TypeWelcome:
				var w protocol.WelcomeMsg
				if err := json.Unmarshal(msg, &w); err != nil {
					continue
				}
				logger.Printf("WELCOME observer_id=%s world=%s preset=%q culling=%v presets=%d",
					w.ObserverID, w.World, w.Settings.Preset, w.Settings.CullingEnabled, len(w.Presets))
				walking = true
				if *preset != "" {
					_ = conn.WriteJSON(protocol.SetPresetMsg{
						Type:            protocol.TypeSetPreset,
						ProtocolVersion: protocol.Version,
						Preset:          *preset,
					})
				}

			case protocol.TypeSettings:
				var s protocol.SettingsMsg
				if err := json.Unmarshal(msg, &s); err != nil {
					continue
				}
				logger.Printf("SETTINGS preset=%q culling=%v forced=%v cull_radius=%d",
					s.Settings.Preset, s.Settings.CullingEnabled, s.Settings.Forced, s.Settings.Policy.CullRadius)

			case protocol.TypeVisibility:
				var v protocol.VisibilityMsg
				if err := json.Unmarshal(msg, &v); err != nil {
					continue
				}
				st.add(v)

			case protocol.TypeError:
				var e protocol.ErrorMsg
				if err := json.Unmarshal(msg, &e); err != nil {
					continue
				}
				logger.Printf("ERROR code=%s for=%s message=%s", e.Code, e.For, e.Message)
			}
		}
	}
}

func eye(feet [3]float64) [3]float64 {
	return [3]float64{feet[0], feet[1] + eyeHeight, feet[2]}
}
