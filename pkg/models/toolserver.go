package models

import "time"

// ToolServer is a user-owned registration of an external tool endpoint.
// EndpointURL is opaque to the core; only the dispatcher interprets it
// as a network address. Only the owner (or an admin) may read, mutate,
// or delete a registration.
type ToolServer struct {
	ID           string    `json:"id"`
	OwnerSubject string    `json:"owner_subject"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	EndpointURL  string    `json:"endpoint_url"`
	Enabled      bool      `json:"enabled"`
	CreatedAt    time.Time `json:"created_at"`
}
