package output

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/phevbox/phevbox/internal/catalog"
	"github.com/phevbox/phevbox/internal/pve"
)

// YAMLFormatter formats listings as YAML.
type YAMLFormatter struct{}

// FormatInstances formats the instance listing as a YAML document.
func (f *YAMLFormatter) FormatInstances(instances []pve.InstanceInfo) (string, error) {
	data, err := yaml.Marshal(instances)
	if err != nil {
		return "", fmt.Errorf("failed to marshal instances to YAML: %w", err)
	}
	return string(data), nil
}

// FormatEntry formats one adapter catalog entry as a YAML document.
func (f *YAMLFormatter) FormatEntry(entry catalog.Entry) (string, error) {
	data, err := yaml.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("failed to marshal catalog entry to YAML: %w", err)
	}
	return string(data), nil
}
