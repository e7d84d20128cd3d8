package yaml

import (
	"fmt"

	yamlv3 "gopkg.in/yaml.v3"
)

const CurrentSchemaVersion = 1

// FileTypeTaskState is the header of the persisted task registry.
const FileTypeTaskState = "task_state"

var validFileTypes = map[string]bool{
	FileTypeTaskState: true,
}

// SchemaHeader is embedded at the top of every state file.
type SchemaHeader struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`
}

// NewHeader returns a header for the current schema version.
func NewHeader(fileType string) SchemaHeader {
	return SchemaHeader{SchemaVersion: CurrentSchemaVersion, FileType: fileType}
}

func ValidateSchemaHeaderFromBytes(content []byte, expectedFileType string) error {
	var header SchemaHeader
	if err := yamlv3.Unmarshal(content, &header); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}

	switch {
	case header.SchemaVersion < 1:
		return fmt.Errorf("invalid schema_version %d (must be >= 1)", header.SchemaVersion)
	case header.SchemaVersion > CurrentSchemaVersion:
		return fmt.Errorf("unsupported schema_version %d (max supported: %d)", header.SchemaVersion, CurrentSchemaVersion)
	case header.FileType == "":
		return fmt.Errorf("missing file_type")
	case !validFileTypes[header.FileType]:
		return fmt.Errorf("unknown file_type: %q", header.FileType)
	case expectedFileType != "" && header.FileType != expectedFileType:
		return fmt.Errorf("file_type mismatch: got %q, expected %q", header.FileType, expectedFileType)
	}
	return nil
}
