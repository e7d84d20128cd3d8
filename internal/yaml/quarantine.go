package yaml

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	yamlv3 "gopkg.in/yaml.v3"
)

// ErrNoState is returned by Load when neither the file nor its backup exist.
var ErrNoState = errors.New("no state file")

// Quarantine moves a file that failed to load into dir/quarantine and returns
// its new path.
func Quarantine(dir, filePath string) (string, error) {
	quarantineDir := filepath.Join(dir, "quarantine")
	if err := os.MkdirAll(quarantineDir, 0755); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}

	name := fmt.Sprintf("%s.%s.corrupt", filepath.Base(filePath), time.Now().Format("20060102T150405"))
	dst := filepath.Join(quarantineDir, name)
	if err := os.Rename(filePath, dst); err != nil {
		return "", fmt.Errorf("move to quarantine: %w", err)
	}
	return dst, nil
}

// RestoreFromBackup replaces filePath with filePath+".bak" if the backup parses.
func RestoreFromBackup(filePath string) error {
	bakPath := filePath + ".bak"
	content, err := os.ReadFile(bakPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no backup file: %s", bakPath)
		}
		return fmt.Errorf("read backup: %w", err)
	}
	if err := validateYAML(content); err != nil {
		return fmt.Errorf("backup YAML is also corrupted: %w", err)
	}
	if err := os.WriteFile(filePath, content, 0644); err != nil {
		return fmt.Errorf("restore from backup: %w", err)
	}
	return nil
}

// LoadResult describes how Load obtained its data.
type LoadResult struct {
	FromBackup  bool
	Quarantined string // path of the quarantined original, if any
}

// Load decodes the state file at path into v after checking its schema
// header. A file that fails to parse or validate is quarantined under dir and
// the .bak copy is tried instead. ErrNoState means there is nothing to load.
func Load(dir, path, fileType string, v any) (LoadResult, error) {
	var res LoadResult

	content, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if _, bakErr := os.Stat(path + ".bak"); bakErr != nil {
			return res, ErrNoState
		}
	} else if err != nil {
		return res, fmt.Errorf("read state: %w", err)
	} else {
		decodeErr := decode(content, fileType, v)
		if decodeErr == nil {
			return res, nil
		}
		q, qErr := Quarantine(dir, path)
		if qErr != nil {
			return res, fmt.Errorf("%v; quarantine: %w", decodeErr, qErr)
		}
		res.Quarantined = q
	}

	if err := RestoreFromBackup(path); err != nil {
		return res, fmt.Errorf("recover %s: %w", filepath.Base(path), err)
	}
	content, err = os.ReadFile(path)
	if err != nil {
		return res, fmt.Errorf("read restored state: %w", err)
	}
	if err := decode(content, fileType, v); err != nil {
		return res, fmt.Errorf("restored state is invalid: %w", err)
	}
	res.FromBackup = true
	return res, nil
}

func decode(content []byte, fileType string, v any) error {
	if err := ValidateSchemaHeaderFromBytes(content, fileType); err != nil {
		return err
	}
	if err := yamlv3.Unmarshal(content, v); err != nil {
		return fmt.Errorf("decode %s: %w", fileType, err)
	}
	return nil
}
