package types

import "time"

// Identity is an enrolled person. Credential is nil when no card is bound.
type Identity struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	Details    string    `json:"details,omitempty"`
	Embedding  []float64 `json:"-"`
	Credential *string   `json:"credential,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Clone returns a deep copy so callers can hold it without sharing slices.
func (i Identity) Clone() Identity {
	out := i
	if i.Embedding != nil {
		out.Embedding = append([]float64(nil), i.Embedding...)
	}
	if i.Credential != nil {
		c := *i.Credential
		out.Credential = &c
	}
	return out
}
