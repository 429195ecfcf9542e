package model

// Target is one process identifier paired with the compute host that serves it.
type Target struct {
	ID   string `json:"process_id"`
	Host string `json:"target"`
}
