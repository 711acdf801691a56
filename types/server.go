package types

import "time"

/**
 * ServerInfo describes one executor server the orchestrator may place
 * tasks on. Address doubles as the server's identity.
 */
type ServerInfo struct {
	Address      string    `json:"address"`
	Capabilities []string  `json:"capabilities,omitempty"`
	Models       []string  `json:"models,omitempty"`
	Sessions     []string  `json:"sessions,omitempty"`
	Healthy      bool      `json:"healthy"`
	Load         int       `json:"load"`
	LastSeen     time.Time `json:"last_seen"`
}

func (s ServerInfo) HasModel(modelID string) bool {
	for _, m := range s.Models {
		if m == modelID {
			return true
		}
	}
	return false
}

func (s ServerInfo) HasSession(sessionID string) bool {
	for _, id := range s.Sessions {
		if id == sessionID {
			return true
		}
	}
	return false
}
