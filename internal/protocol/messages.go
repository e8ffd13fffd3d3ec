package protocol

// hello (client -> server). Identity is established by the auth collaborator upstream;
// the coordinator trusts participant_id as given.
type HelloMsg struct {
	Type            string            `json:"type"`
	ProtocolVersion string            `json:"protocol_version"`
	ParticipantID   string            `json:"participant_id"`
	Name            string            `json:"name,omitempty"`
	MapID           int               `json:"map_id"`
	Spawn           *Position         `json:"spawn,omitempty"`
	Capabilities    HelloCapabilities `json:"capabilities,omitempty"`
}

type HelloCapabilities struct {
	MaxQueue int `json:"max_queue,omitempty"`
}

// welcome (server -> client)
type WelcomeMsg struct {
	Type            string            `json:"type"`
	ProtocolVersion string            `json:"protocol_version"`
	ConnectionID    string            `json:"connection_id"`
	MapID           int               `json:"map_id"`
	Participant     ParticipantView   `json:"participant"`
	Roster          []ParticipantView `json:"roster"`
	Objectives      []ObjectiveView   `json:"objectives"`
	Inventory       map[string]int    `json:"inventory"`
	UnlockedMapID   int               `json:"unlocked_map_id,omitempty"`
}

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// ParticipantView is one roster entry as broadcast in "clients".
type ParticipantView struct {
	ID    string  `json:"id"`
	Name  string  `json:"name"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Color string  `json:"color,omitempty"`
}

// TargetProgress is one target's state inside a per-kind summary event.
type TargetProgress struct {
	X        int `json:"x"`
	Y        int `json:"y"`
	Current  int `json:"current"`
	Required int `json:"required"`
}

type ObjectiveView struct {
	Kind     string `json:"kind"`
	X        int    `json:"x"`
	Y        int    `json:"y"`
	Current  int    `json:"current"`
	Required int    `json:"required"`
}

// ActionMsg is the union of every inbound action payload. Fields that an action does not
// use are left empty; pointer fields distinguish "missing" from zero.
type ActionMsg struct {
	Type string `json:"type"`

	// clickRuin / factoryClick
	ID    int `json:"id,omitempty"`
	Value int `json:"value,omitempty"`
	Inc   int `json:"inc,omitempty"`

	// waterTile / buildFence / buildHouse / updatePosition
	X *float64 `json:"x,omitempty"`
	Y *float64 `json:"y,omitempty"`

	// updateColor
	Color string `json:"color,omitempty"`

	// chatMessage
	Text string `json:"text,omitempty"`

	// trade messages; give/receive are relative to the sender.
	To      string         `json:"toParticipant,omitempty"`
	Give    map[string]int `json:"give,omitempty"`
	Receive map[string]int `json:"receive,omitempty"`
	Accept  *bool          `json:"accept,omitempty"`
}
