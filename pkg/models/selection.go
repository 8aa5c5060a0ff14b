package models

// SelectedAgent is the oracle's answer when one agent is requested.
type SelectedAgent struct {
	ID string `json:"id"`
}

// SelectedAgents is the oracle's answer when every suitable agent is
// requested (bulk execution pools).
type SelectedAgents struct {
	IDs []string `json:"ids"`
}
