package pipelines

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/corpus/internal/jobs/pipeline"
	"github.com/ternarybob/corpus/internal/models"
	"gopkg.in/yaml.v3"
)

// Service holds the enhancer pipeline definitions loaded from a directory.
// Definitions are immutable once loaded; Reload swaps the whole set.
type Service struct {
	dir      string
	eval     *pipeline.Evaluator
	validate *validator.Validate
	logger   arbor.ILogger

	mu           sync.RWMutex
	byCollection map[string][]*models.PipelineDefinition
	all          []*models.PipelineDefinition
}

// NewService creates a pipeline service reading *.yaml and *.yml files from dir
func NewService(dir string, eval *pipeline.Evaluator, logger arbor.ILogger) *Service {
	return &Service{
		dir:          dir,
		eval:         eval,
		validate:     validator.New(),
		logger:       logger,
		byCollection: make(map[string][]*models.PipelineDefinition),
	}
}

// Load reads every definition file. A missing directory means no pipelines.
func (s *Service) Load() error {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		s.logger.Warn().Str("dir", s.dir).Msg("Pipelines directory not found, no enhancement will run")
		s.swap(nil)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read pipelines directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	var defs []*models.PipelineDefinition
	for _, name := range names {
		fileDefs, err := s.loadFile(filepath.Join(s.dir, name))
		if err != nil {
			return err
		}
		defs = append(defs, fileDefs...)
	}
	if err := checkUnique(defs); err != nil {
		return err
	}

	s.swap(defs)
	s.logger.Info().
		Str("dir", s.dir).
		Int("files", len(names)).
		Int("pipelines", len(defs)).
		Msg("Pipelines loaded")
	return nil
}

// Parse decodes and validates every YAML document in r
func (s *Service) Parse(r io.Reader, origin string) ([]*models.PipelineDefinition, error) {
	decoder := yaml.NewDecoder(r)
	var defs []*models.PipelineDefinition
	for i := 0; ; i++ {
		var def models.PipelineDefinition
		err := decoder.Decode(&def)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: document %d: %w", origin, i+1, err)
		}
		if err := s.check(&def); err != nil {
			return nil, fmt.Errorf("%s: pipeline %q: %w", origin, def.Name, err)
		}
		defs = append(defs, &def)
	}
	return defs, nil
}

func (s *Service) loadFile(path string) ([]*models.PipelineDefinition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open pipeline file: %w", err)
	}
	defer f.Close()
	return s.Parse(f, filepath.Base(path))
}

// check validates structure and compiles every expression up front so a
// typo fails at startup instead of inside a running job
func (s *Service) check(def *models.PipelineDefinition) error {
	if err := s.validate.Struct(def); err != nil {
		return err
	}

	var exprs []string
	if def.If != "" {
		exprs = append(exprs, def.If)
	}
	exprs = append(exprs, computed(def.Vars)...)

	steps := make(map[string]bool, len(def.Steps))
	for _, step := range def.Steps {
		if steps[step.Name] {
			return fmt.Errorf("duplicate step %q", step.Name)
		}
		steps[step.Name] = true
		if step.If != "" {
			exprs = append(exprs, step.If)
		}
		exprs = append(exprs, computed(step.Action.Args)...)
		exprs = append(exprs, computed(step.Output)...)
	}

	for _, code := range exprs {
		if err := s.eval.Check(code); err != nil {
			return err
		}
	}
	return nil
}

// ForCollection returns the pipelines for a collection in load order
func (s *Service) ForCollection(collection string) []*models.PipelineDefinition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byCollection[collection]
}

// All returns every loaded pipeline
func (s *Service) All() []*models.PipelineDefinition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.all
}

func (s *Service) swap(defs []*models.PipelineDefinition) {
	byCollection := make(map[string][]*models.PipelineDefinition)
	for _, def := range defs {
		byCollection[def.Collection] = append(byCollection[def.Collection], def)
	}
	s.mu.Lock()
	s.byCollection = byCollection
	s.all = defs
	s.mu.Unlock()
}

func computed(bindings models.NamedBindings) []string {
	var out []string
	for _, b := range bindings {
		if b.Binding.IsComputed() {
			out = append(out, b.Binding.Computed)
		}
	}
	return out
}

// checkUnique rejects two pipelines sharing a name within a collection,
// since the name keys persisted pipeline state
func checkUnique(defs []*models.PipelineDefinition) error {
	seen := make(map[string]bool)
	for _, def := range defs {
		key := def.Collection + "/" + def.Name
		if seen[key] {
			return fmt.Errorf("duplicate pipeline %q for collection %q", def.Name, def.Collection)
		}
		seen[key] = true
	}
	return nil
}
