package output

import (
	"encoding/json"
	"fmt"

	"github.com/phevbox/phevbox/internal/catalog"
	"github.com/phevbox/phevbox/internal/pve"
)

// JSONFormatter formats listings as JSON.
type JSONFormatter struct{}

// FormatInstances formats the instance listing as a JSON array.
func (f *JSONFormatter) FormatInstances(instances []pve.InstanceInfo) (string, error) {
	if len(instances) == 0 {
		return "[]\n", nil
	}

	data, err := json.MarshalIndent(instances, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal instances to JSON: %w", err)
	}
	return string(data) + "\n", nil
}

// FormatEntry formats one adapter catalog entry as JSON.
func (f *JSONFormatter) FormatEntry(entry catalog.Entry) (string, error) {
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal catalog entry to JSON: %w", err)
	}
	return string(data) + "\n", nil
}
