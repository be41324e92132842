package model

// InstanceSettings is the singleton configuration row for this deployment.
// Written by the setup wizard and editable by admins afterwards.
type InstanceSettings struct {
	InstanceName            string         `json:"instance_name"`
	InstanceURL             string         `json:"instance_url"`
	SupportEmail            string         `json:"support_email"`
	StorageBackend          string         `json:"storage_backend"`          // "local" or "s3"
	StorageConfig           map[string]any `json:"storage_config,omitempty"` // Backend credentials envelope.
	JWTAccessExpirySeconds  int            `json:"jwt_access_expiry_seconds"`
	JWTRefreshExpirySeconds int            `json:"jwt_refresh_expiry_seconds"`
	RateLimitMax            int            `json:"rate_limit_max"`
	RateLimitWindowSeconds  int            `json:"rate_limit_window_seconds"`
	CORSOrigins             []string       `json:"cors_origins"`
	RetentionDays           int            `json:"retention_days"` // Global default for projects without a policy.
	MaxReportsPerProject    int            `json:"max_reports_per_project"`
	SessionReplayEnabled    bool           `json:"session_replay_enabled"`
	Initialized             bool           `json:"initialized"`
}

// DefaultInstanceSettings returns the pre-setup defaults.
func DefaultInstanceSettings() InstanceSettings {
	return InstanceSettings{
		InstanceName:            "BugSpotter",
		StorageBackend:          "local",
		JWTAccessExpirySeconds:  3600,
		JWTRefreshExpirySeconds: 7 * 24 * 3600,
		RateLimitMax:            100,
		RateLimitWindowSeconds:  60,
		RetentionDays:           90,
		MaxReportsPerProject:    10000,
		SessionReplayEnabled:    true,
		Initialized:             false,
	}
}
