package api

import (
	"time"

	"github.com/google/uuid"
)

// Server lifecycle statuses mirrored from the orchestrator.
const (
	serverStatusUnenrolled = "UNENROLLED"
	serverStatusEnrolled   = "ENROLLED"
)

// Server is a managed host in the fleet.
type Server struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Address   string    `json:"address,omitempty"`
	Status    string    `json:"status"`
	RiskLevel string    `json:"risk_level,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type serverModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name      string    `gorm:"type:text;uniqueIndex;not null"`
	Address   string    `gorm:"type:text"`
	Status    string    `gorm:"type:text;not null"`
	RiskLevel string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"type:timestamptz;not null;autoCreateTime"`
	UpdatedAt time.Time `gorm:"type:timestamptz;not null;autoUpdateTime"`
}

func (serverModel) TableName() string { return "servers" }

func (m serverModel) toAPI() Server {
	return Server{
		ID:        m.ID,
		Name:      m.Name,
		Address:   m.Address,
		Status:    m.Status,
		RiskLevel: m.RiskLevel,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

type identityModel struct {
	ID           uuid.UUID  `gorm:"type:uuid;primaryKey"`
	ServerID     uuid.UUID  `gorm:"type:uuid;uniqueIndex;not null"`
	EnrollSecret *string    `gorm:"type:text;uniqueIndex"`
	SecretHash   string     `gorm:"type:text;index"`
	Version      string     `gorm:"type:text"`
	OSInfo       string     `gorm:"type:text"`
	LastSeenAt   *time.Time `gorm:"type:timestamptz"`
	CreatedAt    time.Time  `gorm:"type:timestamptz;not null;autoCreateTime"`
	UpdatedAt    time.Time  `gorm:"type:timestamptz;not null;autoUpdateTime"`
}

func (identityModel) TableName() string { return "agent_identities" }

// TemplateVersion is one immutable revision of an audit template.
type TemplateVersion struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

type templateVersionModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name      string    `gorm:"type:text;not null"`
	Version   int       `gorm:"type:integer;not null"`
	CreatedAt time.Time `gorm:"type:timestamptz;not null;autoCreateTime"`
}

func (templateVersionModel) TableName() string { return "template_versions" }

func (m templateVersionModel) toAPI() TemplateVersion {
	return TemplateVersion{ID: m.ID, Name: m.Name, Version: m.Version, CreatedAt: m.CreatedAt}
}

type controlModel struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey"`
	TemplateVersionID uuid.UUID `gorm:"type:uuid;index;not null"`
	Code              string    `gorm:"type:text;not null"`
	Title             string    `gorm:"type:text;not null"`
	Severity          string    `gorm:"type:text;not null"`
	Description       string    `gorm:"type:text"`
}

func (controlModel) TableName() string { return "controls" }

type automatedCheckModel struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	ControlID      uuid.UUID `gorm:"type:uuid;index;not null"`
	Title          string    `gorm:"type:text;not null"`
	Command        string    `gorm:"type:text"`
	Script         string    `gorm:"type:text"`
	ExpectedResult string    `gorm:"type:text"`
	CheckType      string    `gorm:"type:text"`
	Comparison     string    `gorm:"type:text"`
	Parser         string    `gorm:"type:text"`
	Normalize      string    `gorm:"type:text"`
	OnFailMessage  string    `gorm:"type:text"`
	PlatformScope  string    `gorm:"type:text"`
}

func (automatedCheckModel) TableName() string { return "automated_checks" }

type manualCheckModel struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey"`
	ControlID        uuid.UUID `gorm:"type:uuid;index;not null"`
	Title            string    `gorm:"type:text;not null"`
	Instructions     string    `gorm:"type:text"`
	RequiresApproval bool      `gorm:"type:boolean;not null"`
}

func (manualCheckModel) TableName() string { return "manual_checks" }
