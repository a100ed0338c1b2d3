package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/thoas/go-funk"
	"sigs.k8s.io/yaml"
)

const (
	JobKind      = "job"
	ProgressKind = "progress"
	EventKind    = "event"
	PresetKind   = "preset"

	jsonFormat = "json"
	yamlFormat = "yaml"
)

var (
	pluralKinds = map[string]string{
		JobKind:      "jobs",
		ProgressKind: "progress",
		EventKind:    "events",
		PresetKind:   "presets",
	}

	legalOutputTypes = []string{jsonFormat, yamlFormat}
)

// parseAndValidateKindId splits TYPE/ID. The id is nil when only a type was given.
func parseAndValidateKindId(arg string) (string, *uuid.UUID, error) {
	kind, idStr, _ := strings.Cut(arg, "/")
	kind = singular(kind)
	if _, ok := pluralKinds[kind]; !ok {
		return "", nil, fmt.Errorf("invalid resource kind: %s", kind)
	}
	if len(idStr) == 0 {
		return kind, nil, nil
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return "", nil, fmt.Errorf("invalid ID: %w", err)
	}
	return kind, &id, nil
}

func singular(kind string) string {
	for singular, plural := range pluralKinds {
		if kind == plural {
			return singular
		}
	}
	return kind
}

func plural(kind string) string {
	return pluralKinds[kind]
}

func validateOutput(output string) error {
	if len(output) > 0 && !funk.ContainsString(legalOutputTypes, output) {
		return fmt.Errorf("output format must be one of %s", strings.Join(legalOutputTypes, ", "))
	}
	return nil
}

func marshal(v any, output string) ([]byte, error) {
	switch output {
	case yamlFormat:
		return yaml.Marshal(v)
	default:
		return json.MarshalIndent(v, "", "  ")
	}
}

func valueOr[T any](v *T, fallback string) string {
	if v == nil {
		return fallback
	}
	return fmt.Sprint(*v)
}
