package registry

import (
	"errors"
	"fmt"
	"time"

	"github.com/msageha/fetchd/internal/logging"
	"github.com/msageha/fetchd/internal/model"
	"github.com/msageha/fetchd/internal/yaml"
)

type stateFile struct {
	yaml.SchemaHeader `yaml:",inline"`
	SavedAt           time.Time    `yaml:"saved_at"`
	Tasks             []model.Task `yaml:"tasks"`
}

// Store persists registry snapshots as a YAML state file.
type Store struct {
	dir    string // quarantine parent
	path   string
	logger *logging.Logger
}

func NewStore(dir, path string, logger *logging.Logger) *Store {
	return &Store{dir: dir, path: path, logger: logger.With("state")}
}

// Save writes the current contents of r.
func (s *Store) Save(r *Registry) error {
	tasks := r.Snapshot()
	st := stateFile{
		SchemaHeader: yaml.NewHeader(yaml.FileTypeTaskState),
		SavedAt:      time.Now().UTC(),
		Tasks:        tasks,
	}
	if err := yaml.AtomicWrite(s.path, st); err != nil {
		return fmt.Errorf("save task state: %w", err)
	}
	s.logger.Debugf("saved tasks=%d path=%s", len(tasks), s.path)
	return nil
}

// Load restores r from disk. A missing state file is not an error.
func (s *Store) Load(r *Registry) error {
	var st stateFile
	res, err := yaml.Load(s.dir, s.path, yaml.FileTypeTaskState, &st)
	if res.Quarantined != "" {
		s.logger.Warnf("quarantined unreadable state file=%s", res.Quarantined)
	}
	if errors.Is(err, yaml.ErrNoState) {
		s.logger.Infof("no saved state path=%s", s.path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load task state: %w", err)
	}
	if res.FromBackup {
		s.logger.Warnf("task state restored from backup path=%s.bak", s.path)
	}
	return r.Restore(st.Tasks)
}
