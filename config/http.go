package config

// HTTPConfig configures the REST API and the /metrics endpoint.
type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address"`
	// Token, when set, is required as a bearer token on /api routes.
	Token string `json:"token"`
}

// SetDefaults fills unset fields.
func (c *HTTPConfig) SetDefaults() {
	if c.Address == "" {
		c.Address = ":8080"
	}
}
