package core

// Payload is implemented by every type-specific event body.
type Payload interface {
	EventType() EventType
}

// Chat is a chat message.
type Chat struct {
	Message       string   `json:"message"`
	IsMod         bool     `json:"isMod,omitempty"`
	IsSubscriber  bool     `json:"isSubscriber,omitempty"`
	IsBroadcaster bool     `json:"isBroadcaster,omitempty"`
	Badges        []string `json:"badges,omitempty"`
	Colour        string   `json:"colour,omitempty"`
}

type Follow struct{}

type Share struct{}

type Like struct {
	Count int `json:"count"`
	Total int `json:"total,omitempty"`
}

// Member is a viewer joining the room (tiktok) or a channel membership
// milestone (youtube).
type Member struct {
	Level   string `json:"level,omitempty"`
	Message string `json:"message,omitempty"`
}

// Gift covers virtual gifts and paid chat messages.
type Gift struct {
	GiftType        string         `json:"giftType"`
	GiftCount       int            `json:"giftCount"`
	UnitAmount      float64        `json:"unitAmount"`
	Amount          float64        `json:"amount"`
	Currency        string         `json:"currency"`
	Message         string         `json:"message,omitempty"`
	SourceType      string         `json:"sourceType,omitempty"`
	IsAggregated    bool           `json:"isAggregated,omitempty"`
	AggregatedCount int            `json:"aggregatedCount,omitempty"`
	Original        map[string]any `json:"original,omitempty"`
}

type Envelope struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

type Paypiggy struct {
	Tier    string `json:"tier,omitempty"`
	Months  int    `json:"months,omitempty"`
	Message string `json:"message,omitempty"`
	IsGift  bool   `json:"isGift,omitempty"`
}

type GiftPaypiggy struct {
	Tier       string `json:"tier,omitempty"`
	GiftCount  int    `json:"giftCount"`
	Cumulative int    `json:"cumulative,omitempty"`
	Anonymous  bool   `json:"anonymous,omitempty"`
}

type Cheer struct {
	Bits    int    `json:"bits"`
	Message string `json:"message,omitempty"`
}

type Raid struct {
	ViewerCount int `json:"viewerCount"`
}

type Redemption struct {
	RewardID    string `json:"rewardId,omitempty"`
	RewardTitle string `json:"rewardTitle"`
	Cost        int    `json:"cost,omitempty"`
	Input       string `json:"input,omitempty"`
}

type ViewerCount struct {
	Count int `json:"count"`
}

// StreamStatus is used for both stream-online and stream-offline.
type StreamStatus struct {
	Online bool `json:"online"`
}

type StreamDetected struct {
	NewStreamIDs  []string `json:"newStreamIds"`
	AllStreamIDs  []string `json:"allStreamIds"`
	DetectionTime string   `json:"detectionTime"`
}

type ChatConnected struct {
	StreamID string `json:"streamId,omitempty"`
}

type ErrorInfo struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func (Chat) EventType() EventType           { return TypeChat }
func (Follow) EventType() EventType         { return TypeFollow }
func (Share) EventType() EventType          { return TypeShare }
func (Like) EventType() EventType           { return TypeLike }
func (Member) EventType() EventType         { return TypeMember }
func (Gift) EventType() EventType           { return TypeGift }
func (Envelope) EventType() EventType       { return TypeEnvelope }
func (Paypiggy) EventType() EventType       { return TypePaypiggy }
func (GiftPaypiggy) EventType() EventType   { return TypeGiftPaypiggy }
func (Cheer) EventType() EventType          { return TypeCheer }
func (Raid) EventType() EventType           { return TypeRaid }
func (Redemption) EventType() EventType     { return TypeRedemption }
func (ViewerCount) EventType() EventType    { return TypeViewerCount }
func (ChatConnected) EventType() EventType  { return TypeChatConnected }
func (ErrorInfo) EventType() EventType      { return TypeError }
func (StreamDetected) EventType() EventType { return TypeStreamDetected }

func (s StreamStatus) EventType() EventType {
	if s.Online {
		return TypeStreamOnline
	}
	return TypeStreamOffline
}
