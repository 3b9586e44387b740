package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

type Server struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name      string    `gorm:"type:text;uniqueIndex;not null"`
	Address   string    `gorm:"type:text"`
	Status    string    `gorm:"type:text;not null"`
	RiskLevel string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt time.Time `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

type AgentIdentity struct {
	ID           uuid.UUID  `gorm:"type:uuid;primaryKey"`
	ServerID     uuid.UUID  `gorm:"type:uuid;uniqueIndex;not null"`
	EnrollSecret *string    `gorm:"type:text;uniqueIndex"`
	SecretHash   string     `gorm:"type:text;index"`
	Version      string     `gorm:"type:text"`
	OSInfo       string     `gorm:"type:text"`
	LastSeenAt   *time.Time `gorm:"type:timestamptz"`
	CreatedAt    time.Time  `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt    time.Time  `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
	Server       Server     `gorm:"foreignKey:ServerID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

type TemplateVersion struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name      string    `gorm:"type:text;not null"`
	Version   int       `gorm:"type:integer;not null"`
	CreatedAt time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

type Control struct {
	ID                uuid.UUID       `gorm:"type:uuid;primaryKey"`
	TemplateVersionID uuid.UUID       `gorm:"type:uuid;index;not null"`
	Code              string          `gorm:"type:text;not null"`
	Title             string          `gorm:"type:text;not null"`
	Severity          string          `gorm:"type:text;not null"`
	Description       string          `gorm:"type:text"`
	TemplateVersion   TemplateVersion `gorm:"foreignKey:TemplateVersionID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

type AutomatedCheck struct {
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
	Control        Control   `gorm:"foreignKey:ControlID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

type ManualCheck struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey"`
	ControlID        uuid.UUID `gorm:"type:uuid;index;not null"`
	Title            string    `gorm:"type:text;not null"`
	Instructions     string    `gorm:"type:text"`
	RequiresApproval bool      `gorm:"type:boolean;not null;default:false"`
	Control          Control   `gorm:"foreignKey:ControlID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

type AuditRun struct {
	ID                 uuid.UUID                    `gorm:"type:uuid;primaryKey"`
	ServerID           uuid.UUID                    `gorm:"type:uuid;index;not null"`
	TemplateVersionID  uuid.UUID                    `gorm:"type:uuid;not null"`
	Status             string                       `gorm:"type:text;not null;index"`
	ExcludedControlIDs datatypes.JSONSlice[string]  `gorm:"type:jsonb"`
	AutomatedPct       float64                      `gorm:"type:numeric"`
	ManualPct          float64                      `gorm:"type:numeric"`
	OverallStatus      string                       `gorm:"type:text"`
	StartedAt          *time.Time                   `gorm:"type:timestamptz"`
	CompletedAt        *time.Time                   `gorm:"type:timestamptz"`
	CreatedAt          time.Time                    `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt          time.Time                    `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
	Server             Server                       `gorm:"foreignKey:ServerID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

type CheckResult struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey"`
	AuditRunID       uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_run_check"`
	AutomatedCheckID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_run_check"`
	Status           string    `gorm:"type:text;not null"`
	Output           string    `gorm:"type:text"`
	ErrorMessage     string    `gorm:"type:text"`
	CreatedAt        time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt        time.Time `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
	AuditRun         AuditRun  `gorm:"foreignKey:AuditRunID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

type ManualTaskResult struct {
	ID            uuid.UUID   `gorm:"type:uuid;primaryKey"`
	AuditRunID    uuid.UUID   `gorm:"type:uuid;index;not null"`
	ManualCheckID uuid.UUID   `gorm:"type:uuid;not null"`
	Status        string      `gorm:"type:text;not null"`
	Notes         string      `gorm:"type:text"`
	Reviewer      string      `gorm:"type:text"`
	ReviewedAt    *time.Time  `gorm:"type:timestamptz"`
	CreatedAt     time.Time   `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt     time.Time   `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
	AuditRun      AuditRun    `gorm:"foreignKey:AuditRunID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
	ManualCheck   ManualCheck `gorm:"foreignKey:ManualCheckID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

type Evidence struct {
	ID        uuid.UUID        `gorm:"type:uuid;primaryKey"`
	TaskID    uuid.UUID        `gorm:"type:uuid;index;not null"`
	Kind      string           `gorm:"type:text;not null"`
	Reference string           `gorm:"type:text;not null"`
	Note      string           `gorm:"type:text"`
	CreatedAt time.Time        `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	Task      ManualTaskResult `gorm:"foreignKey:TaskID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

type Inventory struct {
	ID        uuid.UUID         `gorm:"type:uuid;primaryKey"`
	ServerID  uuid.UUID         `gorm:"type:uuid;not null;index"`
	Snapshot  datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	Server    Server            `gorm:"foreignKey:ServerID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

type AuditTrail struct {
	ID      int64             `gorm:"type:bigserial;primaryKey"`
	Actor   string            `gorm:"type:text;not null"`
	Action  string            `gorm:"type:text;not null"`
	Obj     string            `gorm:"type:text"`
	Details datatypes.JSONMap `gorm:"type:jsonb"`
	At      time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func (AuditTrail) TableName() string { return "audit_trail" }

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).AutoMigrate(
		&Server{},
		&AgentIdentity{},
		&TemplateVersion{},
		&Control{},
		&AutomatedCheck{},
		&ManualCheck{},
		&AuditRun{},
		&CheckResult{},
		&ManualTaskResult{},
		&Evidence{},
		&Inventory{},
		&AuditTrail{},
	); err != nil {
		return err
	}

	m := gormDB.WithContext(ctx).Migrator()
	for _, c := range []struct {
		model any
		field string
	}{
		{&AgentIdentity{}, "Server"},
		{&Control{}, "TemplateVersion"},
		{&AutomatedCheck{}, "Control"},
		{&ManualCheck{}, "Control"},
		{&AuditRun{}, "Server"},
		{&CheckResult{}, "AuditRun"},
		{&ManualTaskResult{}, "AuditRun"},
		{&ManualTaskResult{}, "ManualCheck"},
		{&Evidence{}, "Task"},
		{&Inventory{}, "Server"},
	} {
		if err := m.CreateConstraint(c.model, c.field); err != nil {
			return err
		}
	}

	return nil
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).Migrator().DropTable(
		&AuditTrail{},
		&Inventory{},
		&Evidence{},
		&ManualTaskResult{},
		&CheckResult{},
		&AuditRun{},
		&ManualCheck{},
		&AutomatedCheck{},
		&Control{},
		&TemplateVersion{},
		&AgentIdentity{},
		&Server{},
	); err != nil {
		return err
	}

	return nil
}
