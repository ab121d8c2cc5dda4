package protocol

// StatusReport is the answer to a "status" query: aggregate counts across
// the task store and the connected fleet.
type StatusReport struct {
	Tasks        map[TaskStatus]int `json:"tasks"`
	Agents       int                `json:"agents"`
	IdleAgents   int                `json:"idle_agents"`
	Unresponsive int                `json:"unresponsive_agents"`
}
