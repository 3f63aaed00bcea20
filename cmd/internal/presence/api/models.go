package presenceapi

type heartbeatResponse struct {
	UserID              string `json:"userId"`
	IsOnline            bool   `json:"isOnline"`
	StatusChanged       bool   `json:"statusChanged"`
	WasOnline           bool   `json:"wasOnline"`
	LastSeen            int64  `json:"lastSeen"`
	HeartbeatIntervalMs int64  `json:"heartbeatIntervalMs"`
}

// Values for statusResponse.Source.
const (
	sourceMemory  = "memory"
	sourceDurable = "durable"
	sourceNone    = "none"
)

type statusResponse struct {
	UserID       string `json:"userId"`
	IsOnline     bool   `json:"isOnline"`
	LastSeen     int64  `json:"lastSeen"`
	LastActivity int64  `json:"lastActivity,omitempty"`
	Source       string `json:"source"`
}

type onlineUser struct {
	UserID       string `json:"userId"`
	SessionID    string `json:"sessionId,omitempty"`
	LastSeen     int64  `json:"lastSeen"`
	LastActivity int64  `json:"lastActivity"`
}

type onlineResponse struct {
	Count int          `json:"count"`
	Users []onlineUser `json:"users"`
}

type forceOfflineResponse struct {
	UserID  string `json:"userId"`
	Changed bool   `json:"changed"`
}

type removeUserResponse struct {
	UserID  string `json:"userId"`
	Removed bool   `json:"removed"`
}

// Values for healthResponse.Durable.
const (
	durableOK          = "ok"
	durableUnreachable = "unreachable"
	durableDisabled    = "disabled"
)

type healthResponse struct {
	Status      string `json:"status"`
	StoreSize   int    `json:"storeSize"`
	OnlineCount int    `json:"onlineCount"`
	Connections int    `json:"connections"`
	Durable     string `json:"durable"`
}

type statsResponse struct {
	Total    int   `json:"total"`
	Online   int   `json:"online"`
	Stale    int   `json:"stale"`
	MinAgeMs int64 `json:"minAgeMs"`
	MaxAgeMs int64 `json:"maxAgeMs"`
	AvgAgeMs int64 `json:"avgAgeMs"`
}
