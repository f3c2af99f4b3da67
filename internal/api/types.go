package api

import "encoding/json"

// TunnelRecord is one tunnel reported by the inspection endpoint.
type TunnelRecord struct {
	PublicURL string `json:"public_url"`
}

// tunnelsResponse mirrors GET /api/tunnels. Elements stay raw so a single
// odd entry cannot fail the whole document.
type tunnelsResponse struct {
	Tunnels []json.RawMessage `json:"tunnels"`
}
