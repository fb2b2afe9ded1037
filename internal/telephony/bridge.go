package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/irisfeng/vapi-cn/internal/config"
	"github.com/irisfeng/vapi-cn/internal/reliability"
)

// AudioSubclass is the CUSTOM event subclass carrying caller audio from the
// FreeSWITCH media path, and RelayAudioSubclass carries assistant audio back.
const (
	AudioSubclass      = "audio::data"
	RelayAudioSubclass = "relay::audio"
)

// Bridge keeps one ESL connection to FreeSWITCH and one relay websocket per
// answered call. A lost ESL connection is redialed forever; call legs die
// with their calls.
type Bridge struct {
	cfg        config.Config
	httpClient *http.Client

	mu   sync.Mutex
	legs map[string]*callLeg
}

type callLeg struct {
	callID         string
	conversationID string
	conn           *websocket.Conn
	writeMu        sync.Mutex
}

func NewBridge(cfg config.Config) *Bridge {
	return &Bridge{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		legs:       make(map[string]*callLeg),
	}
}

// Run blocks until ctx is cancelled, redialing the event socket whenever it
// drops. Subscriptions are re-established on every connect.
func (b *Bridge) Run(ctx context.Context) {
	reliability.RetryForever(ctx, b.cfg.ESLReconnectInterval, b.runOnce, func(err error) {
		log.Printf("bridge: esl connection lost: %v", err)
		b.closeAllLegs()
	})
}

func (b *Bridge) runOnce(ctx context.Context) error {
	client, err := DialESL(ctx, b.cfg.ESLAddr, b.cfg.ESLPassword)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Subscribe("CHANNEL_ANSWER", "CHANNEL_HANGUP", "CUSTOM"); err != nil {
		return err
	}
	log.Printf("bridge: connected to freeswitch at %s", b.cfg.ESLAddr)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-client.Events():
			if !ok {
				return fmt.Errorf("event socket closed")
			}
			b.dispatch(ctx, client, evt)
		}
	}
}

func (b *Bridge) dispatch(ctx context.Context, client *ESLClient, evt Event) {
	switch evt.Name() {
	case "CHANNEL_ANSWER":
		callID := evt.Get("Unique-ID")
		if callID == "" {
			return
		}
		caller := evt.Get("Caller-Caller-ID-Number")
		log.Printf("bridge: call answered: %s (caller %s)", callID, caller)
		go b.openLeg(ctx, client, callID, caller)
	case "CHANNEL_HANGUP":
		b.closeLeg(evt.Get("Unique-ID"))
	case "CUSTOM":
		if evt.Subclass() == AudioSubclass {
			b.forwardCallerAudio(evt)
		}
	}
}

// openLeg creates a conversation record and attaches a relay websocket to it,
// then pumps assistant audio back into FreeSWITCH.
func (b *Bridge) openLeg(ctx context.Context, client *ESLClient, callID, caller string) {
	conversationID, err := b.createConversation(ctx, caller)
	if err != nil {
		log.Printf("bridge: create conversation for call %s: %v", callID, err)
		return
	}

	wsURL := fmt.Sprintf("%s/ws/conversations/%s?assistant_id=default", b.cfg.RelayWSBaseURL, conversationID)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		log.Printf("bridge: dial relay for call %s: %v", callID, err)
		return
	}

	leg := &callLeg{
		callID:         callID,
		conversationID: conversationID,
		conn:           conn,
	}

	b.mu.Lock()
	if _, exists := b.legs[callID]; exists {
		b.mu.Unlock()
		conn.Close()
		return
	}
	b.legs[callID] = leg
	b.mu.Unlock()

	go b.readLeg(client, leg)
}

type wsEnvelope struct {
	Type string `json:"type"`
	Data struct {
		Audio string `json:"audio"`
		Error string `json:"error"`
	} `json:"data"`
}

// readLeg pumps relay envelopes back toward the call. Only audio matters to
// the media path; everything else is logged at most.
func (b *Bridge) readLeg(client *ESLClient, leg *callLeg) {
	defer b.closeLeg(leg.callID)

	for {
		_, data, err := leg.conn.ReadMessage()
		if err != nil {
			return
		}
		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Type {
		case "audio":
			if env.Data.Audio == "" {
				continue
			}
			err := client.SendEvent(RelayAudioSubclass, map[string]string{
				"Unique-ID": leg.callID,
			}, []byte(env.Data.Audio))
			if err != nil {
				log.Printf("bridge: send audio to call %s: %v", leg.callID, err)
				return
			}
		case "error":
			log.Printf("bridge: relay error on call %s: %s", leg.callID, env.Data.Error)
		}
	}
}

// forwardCallerAudio pushes one caller audio chunk into the relay session.
// The chunk is already base64 PCM16 on the event.
func (b *Bridge) forwardCallerAudio(evt Event) {
	callID := evt.Get("Unique-ID")
	audio := evt.Get("audio-data")
	if audio == "" && len(evt.Body) > 0 {
		audio = string(evt.Body)
	}
	if audio == "" {
		return
	}

	b.mu.Lock()
	leg, ok := b.legs[callID]
	b.mu.Unlock()
	if !ok {
		return
	}

	leg.writeMu.Lock()
	defer leg.writeMu.Unlock()
	leg.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	err := leg.conn.WriteJSON(map[string]any{
		"type": "audio",
		"data": map[string]any{
			"audio":       audio,
			"format":      "pcm16",
			"sample_rate": b.cfg.InputSampleRate,
		},
	})
	if err != nil {
		log.Printf("bridge: forward audio for call %s: %v", callID, err)
	}
}

func (b *Bridge) createConversation(ctx context.Context, caller string) (string, error) {
	baseURL := strings.Replace(b.cfg.RelayWSBaseURL, "ws", "http", 1)
	body, _ := json.Marshal(map[string]string{
		"assistant_id": "default",
		"user_id":      caller,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/conversations", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := b.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("conversation create returned %d", res.StatusCode)
	}

	var conv struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(res.Body).Decode(&conv); err != nil {
		return "", err
	}
	return conv.ID, nil
}

func (b *Bridge) closeLeg(callID string) {
	b.mu.Lock()
	leg, ok := b.legs[callID]
	if ok {
		delete(b.legs, callID)
	}
	b.mu.Unlock()

	if !ok {
		return
	}
	leg.conn.Close()
	log.Printf("bridge: call leg closed: %s", callID)
}

func (b *Bridge) closeAllLegs() {
	b.mu.Lock()
	ids := make([]string, 0, len(b.legs))
	for id := range b.legs {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	for _, id := range ids {
		b.closeLeg(id)
	}
}

// ActiveLegs reports how many calls are currently bridged.
func (b *Bridge) ActiveLegs() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.legs)
}
