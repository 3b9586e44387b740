package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"warden/pkg/cmdsafety"
)

// Template documents are the operator-facing import/export format. Checks are
// nested under their control so a template round-trips as one document.
type templateDocument struct {
	Name     string            `json:"name"`
	Controls []controlDocument `json:"controls"`
}

type controlDocument struct {
	Code            string                   `json:"code"`
	Title           string                   `json:"title"`
	Severity        string                   `json:"severity"`
	Description     string                   `json:"description,omitempty"`
	AutomatedChecks []automatedCheckDocument `json:"automated_checks,omitempty"`
	ManualChecks    []manualCheckDocument    `json:"manual_checks,omitempty"`
}

type automatedCheckDocument struct {
	Title          string `json:"title"`
	Command        string `json:"command,omitempty"`
	Script         string `json:"script,omitempty"`
	ExpectedResult string `json:"expected_result,omitempty"`
	CheckType      string `json:"check_type,omitempty"`
	Comparison     string `json:"comparison,omitempty"`
	Parser         string `json:"parser,omitempty"`
	Normalize      string `json:"normalize,omitempty"`
	OnFailMessage  string `json:"on_fail_message,omitempty"`
	PlatformScope  string `json:"platform_scope,omitempty"`
}

type manualCheckDocument struct {
	Title            string `json:"title"`
	Instructions     string `json:"instructions,omitempty"`
	RequiresApproval bool   `json:"requires_approval"`
}

var validSeverities = map[string]struct{}{
	"CRITICAL": {}, "HIGH": {}, "MEDIUM": {}, "LOW": {}, "INFO": {},
}

func (doc *templateDocument) validate() error {
	doc.Name = strings.TrimSpace(doc.Name)
	if doc.Name == "" {
		return errors.New("template name is required")
	}
	if len(doc.Controls) == 0 {
		return errors.New("template needs at least one control")
	}
	for i := range doc.Controls {
		c := &doc.Controls[i]
		c.Code = strings.TrimSpace(c.Code)
		c.Title = strings.TrimSpace(c.Title)
		c.Severity = strings.ToUpper(strings.TrimSpace(c.Severity))
		if c.Code == "" || c.Title == "" {
			return fmt.Errorf("control %d: code and title are required", i)
		}
		if _, ok := validSeverities[c.Severity]; !ok {
			return fmt.Errorf("control %s: unknown severity %q", c.Code, c.Severity)
		}
		for j := range c.AutomatedChecks {
			if strings.TrimSpace(c.AutomatedChecks[j].Title) == "" {
				return fmt.Errorf("control %s: automated check %d needs a title", c.Code, j)
			}
		}
		for j := range c.ManualChecks {
			if strings.TrimSpace(c.ManualChecks[j].Title) == "" {
				return fmt.Errorf("control %s: manual check %d needs a title", c.Code, j)
			}
		}
	}
	return nil
}

// screen runs every command and script through the safety validator and
// returns the complete violation list, so one import round-trip surfaces
// every offending check at once.
func (doc *templateDocument) screen(v *cmdsafety.Validator) []cmdsafety.Violation {
	var refs []cmdsafety.CommandRef
	for _, c := range doc.Controls {
		for _, check := range c.AutomatedChecks {
			refs = append(refs,
				cmdsafety.CommandRef{ControlID: c.Code, CheckID: check.Title, Command: check.Command},
				cmdsafety.CommandRef{ControlID: c.Code, CheckID: check.Title, Command: check.Script},
			)
		}
	}
	return v.ValidateCommands(refs)
}

func (a *API) handleTemplateImport(w http.ResponseWriter, r *http.Request) {
	var doc templateDocument
	if err := decodeJSON(r, &doc); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if err := doc.validate(); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	if violations := doc.screen(a.validator); len(violations) > 0 {
		respondJSON(w, http.StatusBadRequest, map[string]any{
			"error":      "template contains unsafe commands",
			"violations": violations,
		})
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	var version templateVersionModel
	err := a.store.ORM.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var latest int
		err := tx.Model(&templateVersionModel{}).
			Where("name = ?", doc.Name).
			Select("COALESCE(MAX(version), 0)").
			Scan(&latest).Error
		if err != nil {
			return err
		}

		version = templateVersionModel{ID: uuid.New(), Name: doc.Name, Version: latest + 1}
		if err := tx.Create(&version).Error; err != nil {
			return err
		}

		for _, c := range doc.Controls {
			control := controlModel{
				ID:                uuid.New(),
				TemplateVersionID: version.ID,
				Code:              c.Code,
				Title:             c.Title,
				Severity:          c.Severity,
				Description:       c.Description,
			}
			if err := tx.Create(&control).Error; err != nil {
				return err
			}
			for _, check := range c.AutomatedChecks {
				row := automatedCheckModel{
					ID:             uuid.New(),
					ControlID:      control.ID,
					Title:          check.Title,
					Command:        check.Command,
					Script:         check.Script,
					ExpectedResult: check.ExpectedResult,
					CheckType:      check.CheckType,
					Comparison:     check.Comparison,
					Parser:         check.Parser,
					Normalize:      check.Normalize,
					OnFailMessage:  check.OnFailMessage,
					PlatformScope:  check.PlatformScope,
				}
				if err := tx.Create(&row).Error; err != nil {
					return err
				}
			}
			for _, check := range c.ManualChecks {
				row := manualCheckModel{
					ID:               uuid.New(),
					ControlID:        control.ID,
					Title:            check.Title,
					Instructions:     check.Instructions,
					RequiresApproval: check.RequiresApproval,
				}
				if err := tx.Create(&row).Error; err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, http.StatusCreated, map[string]any{"template_version": version.toAPI()})
}

func (a *API) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	var models []templateVersionModel
	err := a.store.ORM.WithContext(ctx).
		Order("name asc, version desc").
		Find(&models).Error
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	versions := make([]TemplateVersion, 0, len(models))
	for _, m := range models {
		versions = append(versions, m.toAPI())
	}
	respondJSON(w, http.StatusOK, map[string]any{"template_versions": versions})
}

func (a *API) handleTemplateExport(w http.ResponseWriter, r *http.Request) {
	templateVersionID, err := uuid.Parse(chi.URLParam(r, "templateVersionID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.New("valid template version id is required"))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()
	orm := a.store.ORM.WithContext(ctx)

	var version templateVersionModel
	if err := orm.First(&version, "id = ?", templateVersionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondError(w, http.StatusNotFound, errors.New("template version not found"))
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	var controls []controlModel
	if err := orm.Where("template_version_id = ?", version.ID).Order("code asc").Find(&controls).Error; err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	doc := templateDocument{Name: version.Name}
	for _, c := range controls {
		cd := controlDocument{
			Code:        c.Code,
			Title:       c.Title,
			Severity:    c.Severity,
			Description: c.Description,
		}

		var automated []automatedCheckModel
		if err := orm.Where("control_id = ?", c.ID).Order("title asc").Find(&automated).Error; err != nil {
			respondError(w, http.StatusInternalServerError, err)
			return
		}
		for _, check := range automated {
			cd.AutomatedChecks = append(cd.AutomatedChecks, automatedCheckDocument{
				Title:          check.Title,
				Command:        check.Command,
				Script:         check.Script,
				ExpectedResult: check.ExpectedResult,
				CheckType:      check.CheckType,
				Comparison:     check.Comparison,
				Parser:         check.Parser,
				Normalize:      check.Normalize,
				OnFailMessage:  check.OnFailMessage,
				PlatformScope:  check.PlatformScope,
			})
		}

		var manual []manualCheckModel
		if err := orm.Where("control_id = ?", c.ID).Order("title asc").Find(&manual).Error; err != nil {
			respondError(w, http.StatusInternalServerError, err)
			return
		}
		for _, check := range manual {
			cd.ManualChecks = append(cd.ManualChecks, manualCheckDocument{
				Title:            check.Title,
				Instructions:     check.Instructions,
				RequiresApproval: check.RequiresApproval,
			})
		}

		doc.Controls = append(doc.Controls, cd)
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"version":  version.Version,
		"template": doc,
	})
}
