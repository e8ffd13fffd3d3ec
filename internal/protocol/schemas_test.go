package protocol_test

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"rebuildcraft.ai/internal/protocol"
)

func compileSchema(t *testing.T, name string) *jsonschema.Schema {
	t.Helper()
	p := filepath.Join("..", "..", "schemas", name)
	s, err := jsonschema.Compile(p)
	if err != nil {
		t.Fatalf("compile %s: %v", name, err)
	}
	return s
}

// roundTrip turns a Go value into the generic form the validator expects.
func roundTrip(t *testing.T, v any) any {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return out
}

func TestSchemas_ValidateSamples(t *testing.T) {
	helloSchema := compileSchema(t, "hello.schema.json")
	welcomeSchema := compileSchema(t, "welcome.schema.json")
	actionSchema := compileSchema(t, "action.schema.json")
	eventSchema := compileSchema(t, "event.schema.json")

	validate := func(s *jsonschema.Schema, v any) {
		t.Helper()
		if err := s.Validate(v); err != nil {
			t.Fatalf("validate: %v", err)
		}
	}

	validate(helloSchema, roundTrip(t, protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		ParticipantID:   "p1",
		Name:            "ada",
		MapID:           1,
		Capabilities:    protocol.HelloCapabilities{MaxQueue: 32},
	}))

	validate(welcomeSchema, roundTrip(t, protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		ConnectionID:    "c1",
		MapID:           1,
		Participant:     protocol.ParticipantView{ID: "p1", Name: "ada", X: 10, Y: 10},
		Roster:          []protocol.ParticipantView{{ID: "p1", Name: "ada", X: 10, Y: 10, Color: "#ff0000"}},
		Objectives:      []protocol.ObjectiveView{{Kind: "factory", Current: 12, Required: 500}},
		Inventory:       map[string]int{"bricks": 20, "rocks": 20},
	}))

	x, y := 3.0, 4.0
	yes := true
	actions := []protocol.ActionMsg{
		{Type: protocol.TypeFactoryClick, Inc: 3},
		{Type: protocol.TypeClickRuin, ID: 1, Value: 2},
		{Type: protocol.TypeWaterTile, X: &x, Y: &y, Inc: 1},
		{Type: protocol.TypeBuildHouse, X: &x, Y: &y},
		{Type: protocol.TypeTradeOffer, To: "p2", Give: map[string]int{"bricks": 5}, Receive: map[string]int{"rocks": 3}},
		{Type: protocol.TypeTradeOfferResponse, To: "p2", Accept: &yes},
	}
	for _, a := range actions {
		validate(actionSchema, roundTrip(t, a))
	}

	events := []protocol.Event{
		{"type": protocol.EventFactoryProgress, "mapId": 1, "current": 10, "required": 500},
		{"type": protocol.EventMapUnlocked, "mapId": 2},
		{"type": protocol.EventFlowerAllProgress, "mapId": 3, "done": 1, "total": 2, "targets": []protocol.TargetProgress{
			{X: 8, Y: 8, Current: 20, Required: 20},
			{X: 9, Y: 8, Current: 3, Required: 20},
		}},
		{"type": protocol.EventActionDenied, "action": protocol.TypeBuildHouse, "reason": protocol.ReasonOutOfRange},
	}
	for _, ev := range events {
		validate(eventSchema, roundTrip(t, ev))
	}
}

func TestSchemas_SummaryNeedsTargets(t *testing.T) {
	eventSchema := compileSchema(t, "event.schema.json")
	var ev any
	_ = json.Unmarshal([]byte(`{"type":"fenceCount","mapId":4,"done":1,"total":8}`), &ev)
	if err := eventSchema.Validate(ev); err == nil {
		t.Fatalf("expected fenceCount without targets to fail validation")
	}
}

func TestSchemas_RejectMissingTarget(t *testing.T) {
	actionSchema := compileSchema(t, "action.schema.json")
	var act any
	_ = json.Unmarshal([]byte(`{"type":"waterTile","inc":1}`), &act)
	if err := actionSchema.Validate(act); err == nil {
		t.Fatalf("expected waterTile without coordinates to fail validation")
	}
	_ = json.Unmarshal([]byte(`{"type":"tradeOffer","give":{"bricks":1}}`), &act)
	if err := actionSchema.Validate(act); err == nil {
		t.Fatalf("expected trade message without toParticipant to fail validation")
	}
}
