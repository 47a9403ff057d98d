package models

import "time"

// ConnectionRequest carries the credentials a user supplies to connect.
type ConnectionRequest struct {
	Type      string `json:"type" validate:"required,oneof=postgres mssql"`
	Host      string `json:"host" validate:"required,hostname_rfc1123|ip"`
	Port      int    `json:"port" validate:"omitempty,min=1,max=65535"`
	User      string `json:"user" validate:"required"`
	Password  string `json:"password"`
	Database  string `json:"database" validate:"required"`
	SSLMode   string `json:"ssl_mode,omitempty" validate:"omitempty,oneof=disable allow prefer require verify-ca verify-full"`
	Directive string `json:"directive,omitempty" validate:"max=2000"`
}

// Params converts the request into the adapter configuration map.
func (r *ConnectionRequest) Params() map[string]any {
	params := map[string]any{
		"host":     r.Host,
		"user":     r.User,
		"password": r.Password,
		"database": r.Database,
	}
	if r.Port > 0 {
		params["port"] = r.Port
	}
	if r.SSLMode != "" {
		params["ssl_mode"] = r.SSLMode
	}
	return params
}

// AskResult is the structured outcome of one question. Failures are
// reported through Success and Error, never as raw errors.
type AskResult struct {
	Success bool        `json:"success"`
	Answer  string      `json:"response,omitempty"`
	Error   string      `json:"error,omitempty"`
	SQL     string      `json:"sql,omitempty"`
	Origin  QueryOrigin `json:"origin,omitempty"`
	Rows    int         `json:"row_count"`
}

// SessionStatus summarizes a session for status endpoints.
type SessionStatus struct {
	Connected      bool      `json:"connected"`
	DatasourceType string    `json:"datasource_type,omitempty"`
	Database       string    `json:"database,omitempty"`
	TableCount     int       `json:"table_count"`
	DirectiveSet   bool      `json:"directive_set"`
	ConnectedAt    time.Time `json:"connected_at,omitempty"`
	TurnCount      int       `json:"turn_count"`
}

// SessionRecord is the persisted form of a session. Credentials are sealed
// for the session ID; the schema snapshot is never stored and is rediscovered
// when a record is restored.
type SessionRecord struct {
	ID                string             `json:"id"`
	DatasourceType    string             `json:"datasource_type"`
	Database          string             `json:"database"`
	SealedCredentials string             `json:"sealed_credentials"`
	Directive         string             `json:"directive,omitempty"`
	Turns             []ConversationTurn `json:"turns"`
	ConnectedAt       time.Time          `json:"connected_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
}
