package rules

import (
	"strings"

	"threatscope/pkg/models"
)

// Classifier assigns an assumed threat category to an event.
type Classifier interface {
	Classify(event *models.Event) string
}

// StaticClassifier always returns the same category.
type StaticClassifier struct {
	Category string
}

// Classify returns the configured category.
func (s StaticClassifier) Classify(event *models.Event) string {
	return strings.ToLower(strings.TrimSpace(s.Category))
}
