package protocol

import "encoding/json"

const Version = "1.0"

// Handshake message types.
const (
	TypeHello   = "hello"
	TypeWelcome = "welcome"
)

// Inbound action types (participant -> session).
const (
	TypeClickRuin          = "clickRuin"
	TypeFactoryClick       = "factoryClick"
	TypeWaterTile          = "waterTile"
	TypeBuildFence         = "buildFence"
	TypeBuildHouse         = "buildHouse"
	TypeUpdatePosition     = "updatePosition"
	TypeUpdateColor        = "updateColor"
	TypeChatMessage        = "chatMessage"
	TypeRequestTrade       = "requestTrade"
	TypeRespondTrade       = "respondTrade"
	TypeTradeOffer         = "tradeOffer"
	TypeTradeCounterOffer  = "tradeCounterOffer"
	TypeTradeOfferResponse = "tradeOfferResponse"
	TypeTradeCompleted     = "tradeCompleted"
	TypeCancelTrade        = "cancelTrade"
)

// Outbound event types (session -> participants).
const (
	EventClients           = "clients"
	EventFactoryProgress   = "factoryProgress"
	EventFactoryCompleted  = "factoryCompleted"
	EventFlowerProgress    = "flowerProgress"
	EventTileFlowered      = "tileFlowered"
	EventFlowerAllProgress = "flowerAllProgress"
	EventFenceBuilt        = "fenceBuilt"
	EventFenceCount        = "fenceCount"
	EventHouseProgress     = "houseProgress"
	EventHouseBuilt        = "houseBuilt"
	EventHouseAllProgress  = "houseAllProgress"
	EventMapUnlocked       = "mapUnlocked"
	EventInventoryUpdate   = "inventoryUpdate"
	EventActionDenied      = "actionDenied"
	EventChatMessage       = "chatMessage"

	EventTradeRequested     = "tradeRequested"
	EventTradeResponse      = "tradeResponse"
	EventTradeOffer         = "tradeOffer"
	EventTradeCounterOffer  = "tradeCounterOffer"
	EventTradeOfferResponse = "tradeOfferResponse"
	EventTradeCompleted     = "tradeCompleted"
	EventTradeDeclined      = "tradeDeclined"
	EventTradeCancelled     = "tradeCancelled"
)

// QueuedEvent and DeniedEvent name the admission feedback for a contribution action,
// e.g. factoryClickQueued / factoryClickDenied.
func QueuedEvent(action string) string { return admissionPrefix(action) + "ClickQueued" }
func DeniedEvent(action string) string { return admissionPrefix(action) + "ClickDenied" }

func admissionPrefix(action string) string {
	switch action {
	case TypeClickRuin, TypeFactoryClick:
		return "factory"
	case TypeWaterTile:
		return "water"
	case TypeBuildFence:
		return "fence"
	case TypeBuildHouse:
		return "house"
	default:
		return action
	}
}

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}

// Event is a server -> client message. Every event carries a "type" key.
type Event map[string]any

func NewEvent(typ string) Event {
	return Event{"type": typ}
}

func (e Event) Type() string {
	t, _ := e["type"].(string)
	return t
}
