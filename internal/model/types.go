package model

// Session is one coding-agent conversation owned by a namespace. Metadata and
// agent state are opaque JSON blobs the hub stores and relays without
// interpreting; each carries its own optimistic-concurrency version.
type Session struct {
	ID                string
	Namespace         string
	MachineID         string
	Tag               string
	Seq               int64
	Metadata          map[string]any
	MetadataVersion   int64
	AgentState        any
	AgentStateVersion int64
	Todos             any
	TodosUpdatedAt    int64
	Active            bool
	ActiveAt          int64
	Thinking          bool
	ThinkingAt        int64
	PermissionMode    string
	ModelMode         string
	CreatedAt         int64
	UpdatedAt         int64
}

// Machine is a host running a CLI runner instance.
type Machine struct {
	ID                 string
	Namespace          string
	Metadata           any
	MetadataVersion    int64
	RunnerState        any
	RunnerStateVersion int64
	Active             bool
	ActiveAt           int64
	Seq                int64
	CreatedAt          int64
	UpdatedAt          int64
}

// Message content is opaque to the hub. Seq is per-session monotonic; LocalID
// dedupes optimistic client sends.
type Message struct {
	ID        string
	SessionID string
	Content   any
	CreatedAt int64
	Seq       int64
	LocalID   string
}

type User struct {
	ID             int64
	Platform       string
	PlatformUserID string
	Namespace      string
	CreatedAt      int64
}

type PushSubscription struct {
	ID        int64
	Namespace string
	Endpoint  string
	P256dh    string
	Auth      string
	CreatedAt int64
}

// ManualOrder is the explicit ordering a user drags sessions into.
type ManualOrder struct {
	GroupOrder   []string            `json:"groupOrder"`
	SessionOrder map[string][]string `json:"sessionOrder"`
}

// SessionSortPreference is one row per (user, namespace), versioned like the
// session/machine fields.
type SessionSortPreference struct {
	UserID      int64
	Namespace   string
	SortMode    string // "auto" or "manual"
	ManualOrder ManualOrder
	Version     int64
	CreatedAt   int64
	UpdatedAt   int64
}

// DefaultSortPreference is what GetSortPreference returns before the user has
// ever written one.
func DefaultSortPreference(userID int64, namespace string) SessionSortPreference {
	return SessionSortPreference{
		UserID:    userID,
		Namespace: namespace,
		SortMode:  "auto",
		ManualOrder: ManualOrder{
			GroupOrder:   []string{},
			SessionOrder: map[string][]string{},
		},
		Version:   1,
		UpdatedAt: 0,
	}
}
