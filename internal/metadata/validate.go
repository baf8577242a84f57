package metadata

import (
	"fmt"
	"strings"

	"mint-pipeline/internal/models"
)

// Validate checks the structure both chains require.
func Validate(d Document) error {
	if strings.TrimSpace(d.Name) == "" {
		return &models.ValidationError{Field: "name", Reason: "required"}
	}
	if strings.TrimSpace(d.Description) == "" {
		return &models.ValidationError{Field: "description", Reason: "required"}
	}
	if strings.TrimSpace(d.Image) == "" {
		return &models.ValidationError{Field: "image", Reason: "required"}
	}
	for i, a := range d.Attributes {
		if a.TraitType == "" {
			return &models.ValidationError{Field: fmt.Sprintf("attributes[%d].trait_type", i), Reason: "required"}
		}
		if a.Value == nil {
			return &models.ValidationError{Field: fmt.Sprintf("attributes[%d].value", i), Reason: "required"}
		}
	}
	return nil
}
