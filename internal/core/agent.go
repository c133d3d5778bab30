package core

import "time"

// AgentStatus is the lifecycle state of a registered agent.
type AgentStatus string

const (
	AgentActive    AgentStatus = "active"
	AgentInactive  AgentStatus = "inactive"
	AgentSuspended AgentStatus = "suspended"
)

func (s AgentStatus) Valid() bool {
	switch s {
	case AgentActive, AgentInactive, AgentSuspended:
		return true
	}
	return false
}

// Agent is an autonomous software actor registered under an organisation.
// Declared capabilities are self-asserted and never implicitly trusted;
// only certificate-attested capabilities carry weight in trust checks.
type Agent struct {
	ID             string                 `json:"id"`
	OrgID          string                 `json:"org_id"`
	Name           string                 `json:"name"`
	Description    string                 `json:"description,omitempty"`
	Capabilities   []string               `json:"capabilities,omitempty"`
	Endpoint       string                 `json:"endpoint,omitempty"`
	PublicKeyHex   string                 `json:"public_key,omitempty"`
	Status         AgentStatus            `json:"status"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

// HasCapability reports whether the agent declares the given capability.
func (a *Agent) HasCapability(capability string) bool {
	for _, c := range a.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}
