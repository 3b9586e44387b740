package orchestrator

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AutomatedCheck is a catalog entry an agent can execute.
type AutomatedCheck struct {
	ID             uuid.UUID `json:"id"`
	ControlID      uuid.UUID `json:"control_id"`
	Severity       string    `json:"severity"`
	Title          string    `json:"title"`
	Command        string    `json:"command,omitempty"`
	Script         string    `json:"script,omitempty"`
	ExpectedResult string    `json:"expected_result,omitempty"`
	CheckType      string    `json:"check_type,omitempty"`
	Comparison     string    `json:"comparison,omitempty"`
	Parser         string    `json:"parser,omitempty"`
	Normalize      string    `json:"normalize,omitempty"`
	OnFailMessage  string    `json:"on_fail_message,omitempty"`
	PlatformScope  string    `json:"platform_scope,omitempty"`
}

// ManualCheck is a catalog entry requiring human verification.
type ManualCheck struct {
	ID               uuid.UUID `json:"id"`
	ControlID        uuid.UUID `json:"control_id"`
	Severity         string    `json:"severity"`
	Title            string    `json:"title"`
	Instructions     string    `json:"instructions,omitempty"`
	RequiresApproval bool      `json:"requires_approval"`
}

// Catalog is the exclusion-filtered, flattened check set of one template
// version. Run creation, pending-work polling, and scoring all resolve
// through the same filter so their totals can never disagree.
type Catalog struct {
	Automated []AutomatedCheck
	Manual    []ManualCheck
}

// AutomatedByID returns a lookup map keyed by automated check ID.
func (c Catalog) AutomatedByID() map[uuid.UUID]AutomatedCheck {
	out := make(map[uuid.UUID]AutomatedCheck, len(c.Automated))
	for _, check := range c.Automated {
		out[check.ID] = check
	}
	return out
}

// ResolveCatalog expands a template version into its concrete check set,
// dropping every control named in the exclusion list.
func ResolveCatalog(ctx context.Context, orm *gorm.DB, templateVersionID uuid.UUID, excludedControlIDs []string) (Catalog, error) {
	excluded := make(map[string]struct{}, len(excludedControlIDs))
	for _, id := range excludedControlIDs {
		excluded[id] = struct{}{}
	}

	var controls []controlModel
	if err := orm.WithContext(ctx).
		Where("template_version_id = ?", templateVersionID).
		Find(&controls).Error; err != nil {
		return Catalog{}, err
	}

	severityByControl := make(map[uuid.UUID]string, len(controls))
	activeControlIDs := make([]uuid.UUID, 0, len(controls))
	for _, ctl := range controls {
		if _, skip := excluded[ctl.ID.String()]; skip {
			continue
		}
		severityByControl[ctl.ID] = ctl.Severity
		activeControlIDs = append(activeControlIDs, ctl.ID)
	}

	catalog := Catalog{}
	if len(activeControlIDs) == 0 {
		return catalog, nil
	}

	var autoRows []automatedCheckModel
	if err := orm.WithContext(ctx).
		Where("control_id IN ?", activeControlIDs).
		Find(&autoRows).Error; err != nil {
		return Catalog{}, err
	}
	for _, row := range autoRows {
		catalog.Automated = append(catalog.Automated, AutomatedCheck{
			ID:             row.ID,
			ControlID:      row.ControlID,
			Severity:       severityByControl[row.ControlID],
			Title:          row.Title,
			Command:        row.Command,
			Script:         row.Script,
			ExpectedResult: row.ExpectedResult,
			CheckType:      row.CheckType,
			Comparison:     row.Comparison,
			Parser:         row.Parser,
			Normalize:      row.Normalize,
			OnFailMessage:  row.OnFailMessage,
			PlatformScope:  row.PlatformScope,
		})
	}

	var manualRows []manualCheckModel
	if err := orm.WithContext(ctx).
		Where("control_id IN ?", activeControlIDs).
		Find(&manualRows).Error; err != nil {
		return Catalog{}, err
	}
	for _, row := range manualRows {
		catalog.Manual = append(catalog.Manual, ManualCheck{
			ID:               row.ID,
			ControlID:        row.ControlID,
			Severity:         severityByControl[row.ControlID],
			Title:            row.Title,
			Instructions:     row.Instructions,
			RequiresApproval: row.RequiresApproval,
		})
	}

	return catalog, nil
}
