// Command bot joins a map and works its open objectives, for smoke and load testing.
package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	flag "github.com/spf13/pflag"

	"rebuildcraft.ai/internal/protocol"
)

func main() {
	var (
		url      = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		name     = flag.String("name", "bot", "display name")
		pid      = flag.String("participant", "", "participant id (default: random)")
		mapID    = flag.Int("map", 0, "map id (0 = server default)")
		interval = flag.Duration("interval", 250*time.Millisecond, "delay between actions")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)
	if *pid == "" {
		*pid = "bot-" + uuid.NewString()[:8]
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, *url, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		ParticipantID:   *pid,
		Name:            *name,
		MapID:           *mapID,
		Capabilities:    protocol.HelloCapabilities{MaxQueue: 32},
	}); err != nil {
		logger.Fatalf("send hello: %v", err)
	}
	var w protocol.WelcomeMsg
	if err := conn.ReadJSON(&w); err != nil {
		logger.Fatalf("read welcome: %v", err)
	}
	logger.Printf("welcome participant=%s map=%d objectives=%d", w.Participant.ID, w.MapID, len(w.Objectives))

	b := newBot(w)
	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}()
	go func() {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				stop()
				return
			}
			var ev protocol.Event
			if err := json.Unmarshal(msg, &ev); err != nil {
				continue
			}
			b.observe(ev)
			switch ev.Type() {
			case protocol.EventMapUnlocked, protocol.EventFactoryCompleted, protocol.EventHouseBuilt, protocol.EventActionDenied:
				logger.Printf("%s", msg)
			}
		}
	}()

	t := time.NewTicker(*interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		for _, act := range b.next() {
			if err := conn.WriteJSON(act); err != nil {
				logger.Printf("write: %v", err)
				return
			}
		}
	}
}
