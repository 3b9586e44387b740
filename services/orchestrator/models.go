package orchestrator

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Server lifecycle statuses.
const (
	ServerStatusUnenrolled = "UNENROLLED"
	ServerStatusEnrolled   = "ENROLLED"
	ServerStatusOnline     = "ONLINE"
	ServerStatusOffline    = "OFFLINE"
)

// Audit run statuses. COMPLETED and FAILED are terminal.
const (
	RunStatusPending   = "PENDING"
	RunStatusRunning   = "RUNNING"
	RunStatusCompleted = "COMPLETED"
	RunStatusFailed    = "FAILED"
)

// Check result statuses as persisted. The agent-facing SKIPPED is normalized
// to NA before it ever reaches storage.
const (
	CheckStatusPass  = "PASS"
	CheckStatusFail  = "FAIL"
	CheckStatusNA    = "NA"
	CheckStatusError = "ERROR"
)

// Manual task sub-states.
const (
	TaskStatusPending    = "PENDING"
	TaskStatusInProgress = "IN_PROGRESS"
	TaskStatusCompleted  = "COMPLETED"
	TaskStatusRejected   = "REJECTED"
)

// Overall compliance verdicts.
const (
	VerdictCompliant          = "COMPLIANT"
	VerdictPartiallyCompliant = "PARTIALLY_COMPLIANT"
	VerdictNonCompliant       = "NON_COMPLIANT"
)

// Control severities.
const (
	SeverityCritical = "CRITICAL"
	SeverityHigh     = "HIGH"
	SeverityMedium   = "MEDIUM"
	SeverityLow      = "LOW"
	SeverityInfo     = "INFO"
)

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

type templateVersionModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name      string    `gorm:"type:text;not null"`
	Version   int       `gorm:"type:integer;not null"`
	CreatedAt time.Time `gorm:"type:timestamptz;not null;autoCreateTime"`
}

func (templateVersionModel) TableName() string { return "template_versions" }

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

type runModel struct {
	ID                 uuid.UUID                   `gorm:"type:uuid;primaryKey"`
	ServerID           uuid.UUID                   `gorm:"type:uuid;index;not null"`
	TemplateVersionID  uuid.UUID                   `gorm:"type:uuid;not null"`
	Status             string                      `gorm:"type:text;not null;index"`
	ExcludedControlIDs datatypes.JSONSlice[string] `gorm:"type:jsonb"`
	AutomatedPct       float64                     `gorm:"type:numeric"`
	ManualPct          float64                     `gorm:"type:numeric"`
	OverallStatus      string                      `gorm:"type:text"`
	StartedAt          *time.Time                  `gorm:"type:timestamptz"`
	CompletedAt        *time.Time                  `gorm:"type:timestamptz"`
	CreatedAt          time.Time                   `gorm:"type:timestamptz;not null;autoCreateTime"`
	UpdatedAt          time.Time                   `gorm:"type:timestamptz;not null;autoUpdateTime"`
}

func (runModel) TableName() string { return "audit_runs" }

type checkResultModel struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey"`
	AuditRunID       uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_run_check"`
	AutomatedCheckID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_run_check"`
	Status           string    `gorm:"type:text;not null"`
	Output           string    `gorm:"type:text"`
	ErrorMessage     string    `gorm:"type:text"`
	CreatedAt        time.Time `gorm:"type:timestamptz;not null;autoCreateTime"`
	UpdatedAt        time.Time `gorm:"type:timestamptz;not null;autoUpdateTime"`
}

func (checkResultModel) TableName() string { return "check_results" }

type taskModel struct {
	ID            uuid.UUID  `gorm:"type:uuid;primaryKey"`
	AuditRunID    uuid.UUID  `gorm:"type:uuid;index;not null"`
	ManualCheckID uuid.UUID  `gorm:"type:uuid;not null"`
	Status        string     `gorm:"type:text;not null"`
	Notes         string     `gorm:"type:text"`
	Reviewer      string     `gorm:"type:text"`
	ReviewedAt    *time.Time `gorm:"type:timestamptz"`
	CreatedAt     time.Time  `gorm:"type:timestamptz;not null;autoCreateTime"`
	UpdatedAt     time.Time  `gorm:"type:timestamptz;not null;autoUpdateTime"`
}

func (taskModel) TableName() string { return "manual_task_results" }

type evidenceModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	TaskID    uuid.UUID `gorm:"type:uuid;index;not null"`
	Kind      string    `gorm:"type:text;not null"`
	Reference string    `gorm:"type:text;not null"`
	Note      string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"type:timestamptz;not null;autoCreateTime"`
}

func (evidenceModel) TableName() string { return "evidences" }

// AutoMigrate creates the orchestrator-owned tables. Production schemas come
// from the goose migrations; embedded and test setups use this instead.
func AutoMigrate(orm *gorm.DB) error {
	return orm.AutoMigrate(
		&serverModel{}, &identityModel{}, &templateVersionModel{},
		&controlModel{}, &automatedCheckModel{}, &manualCheckModel{},
		&runModel{}, &checkResultModel{}, &taskModel{}, &evidenceModel{},
	)
}
