package sessions

// Entry is the persisted state of one session. All timestamps are unix ms.
type Entry struct {
	SessionID string `json:"sessionId"`
	UpdatedAt int64  `json:"updatedAt"`

	InputTokens  int64 `json:"inputTokens,omitempty"`
	OutputTokens int64 `json:"outputTokens,omitempty"`
	TotalTokens  int64 `json:"totalTokens,omitempty"`

	ThinkingLevel  string `json:"thinkingLevel,omitempty"`
	VerboseLevel   string `json:"verboseLevel,omitempty"`
	ReasoningLevel string `json:"reasoningLevel,omitempty"`
	ElevatedLevel  string `json:"elevatedLevel,omitempty"`

	SendPolicy      string `json:"sendPolicy,omitempty"`
	GroupActivation string `json:"groupActivation,omitempty"`

	ProviderOverride string `json:"providerOverride,omitempty"`
	ModelOverride    string `json:"modelOverride,omitempty"`

	LastChannel   string `json:"lastChannel,omitempty"`
	LastTo        string `json:"lastTo,omitempty"`
	LastAccountID string `json:"lastAccountId,omitempty"`

	Label           string `json:"label,omitempty"`
	SpawnedBy       string `json:"spawnedBy,omitempty"`
	CompactionCount int    `json:"compactionCount,omitempty"`
}

// clone returns a copy safe to hand to callers.
func (e *Entry) clone() *Entry {
	if e == nil {
		return nil
	}
	cp := *e
	return &cp
}

// thinkingLevels are the accepted values for thinkingLevel patches.
var thinkingLevels = map[string]bool{
	"off": true, "low": true, "medium": true, "high": true, "xhigh": true,
}

// sendPolicies are the accepted values for sendPolicy patches.
var sendPolicies = map[string]bool{
	"allow": true, "deny": true, "owner-only": true,
}

// groupActivations are the accepted values for groupActivation patches.
var groupActivations = map[string]bool{
	"mention": true, "always": true,
}
