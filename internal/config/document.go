package config

import (
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/framecache/framecache/internal/capacity"
	"github.com/framecache/framecache/pkg/errors"
	"github.com/framecache/framecache/pkg/types"
)

// DocumentSettings is the document-scope override. It is saved next to the
// document and travels with it. Nil percents mean no override is stored.
type DocumentSettings struct {
	CapacityOverride   bool     `yaml:"capacity_override"`
	GPUCapacityPercent *float64 `yaml:"gpu_capacity_percent,omitempty"`
	CPUCapacityPercent *float64 `yaml:"cpu_capacity_percent,omitempty"`
}

// LoadDocument reads document settings. A missing file yields empty
// settings.
func LoadDocument(filename string) (*DocumentSettings, error) {
	doc := &DocumentSettings{}
	if filename == "" {
		return doc, nil
	}
	data, err := os.ReadFile(filename)
	if os.IsNotExist(err) {
		return doc, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigLoad, "failed to read document settings").
			WithContext("path", filename)
	}
	if err := yaml.Unmarshal(data, doc); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigLoad, "failed to parse document settings").
			WithContext("path", filename)
	}
	doc.Normalize()
	return doc, nil
}

// SaveToFile writes the document settings as YAML.
func (d *DocumentSettings) SaveToFile(filename string) error {
	return writeYAML(filename, d)
}

// Normalize clamps stored override percents to [0,100].
func (d *DocumentSettings) Normalize() {
	for _, p := range []*float64{d.GPUCapacityPercent, d.CPUCapacityPercent} {
		if p != nil {
			*p = capacity.ClampPercent(*p)
		}
	}
}

// OverridePercent returns the stored override of pool, or nil.
func (d *DocumentSettings) OverridePercent(pool types.Pool) *float64 {
	if pool == types.PoolCPU {
		return d.CPUCapacityPercent
	}
	return d.GPUCapacityPercent
}

// SetOverridePercent stores an override for pool.
func (d *DocumentSettings) SetOverridePercent(pool types.Pool, percent float64) {
	v := percent
	if pool == types.PoolCPU {
		d.CPUCapacityPercent = &v
		return
	}
	d.GPUCapacityPercent = &v
}

// CapacitySettings merges both scopes into the form the capacity store loads.
func CapacitySettings(cfg *Configuration, doc *DocumentSettings) capacity.Settings {
	s := capacity.Settings{
		DefaultPercent:  make(map[types.Pool]float64, len(types.Pools)),
		OverridePercent: make(map[types.Pool]float64, len(types.Pools)),
	}
	for _, pool := range types.Pools {
		s.DefaultPercent[pool] = capacity.ClampPercent(cfg.DefaultPercent(pool))
		if doc != nil {
			if p := doc.OverridePercent(pool); p != nil {
				s.OverridePercent[pool] = capacity.ClampPercent(*p)
			}
		}
	}
	if doc != nil {
		s.OverrideEnabled = doc.CapacityOverride
	}
	return s
}

// FileStore persists capacity settings: defaults to the user file and
// overrides to the document file. Empty paths keep values in memory only.
// It implements capacity.Persister.
type FileStore struct {
	mu       sync.Mutex
	userPath string
	docPath  string
	cfg      *Configuration
	doc      *DocumentSettings
}

var _ capacity.Persister = (*FileStore)(nil)

// NewFileStore wraps already loaded configuration.
func NewFileStore(userPath string, cfg *Configuration, docPath string, doc *DocumentSettings) *FileStore {
	if cfg == nil {
		cfg = NewDefault()
	}
	if doc == nil {
		doc = &DocumentSettings{}
	}
	return &FileStore{userPath: userPath, docPath: docPath, cfg: cfg, doc: doc}
}

func (s *FileStore) SaveDefaultPercent(pool types.Pool, percent float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg.SetDefaultPercent(pool, percent)
	if s.userPath == "" {
		return nil
	}
	return s.cfg.SaveToFile(s.userPath)
}

func (s *FileStore) SaveOverridePercent(pool types.Pool, percent float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.doc.SetOverridePercent(pool, percent)
	if s.docPath == "" {
		return nil
	}
	return s.doc.SaveToFile(s.docPath)
}

func (s *FileStore) SaveOverrideEnabled(enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.doc.CapacityOverride = enabled
	if s.docPath == "" {
		return nil
	}
	return s.doc.SaveToFile(s.docPath)
}

// Settings returns the current persisted values of both scopes.
func (s *FileStore) Settings() capacity.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return CapacitySettings(s.cfg, s.doc)
}

// Reload re-reads both files and returns the merged settings. On error the
// previously loaded values are kept.
func (s *FileStore) Reload() (capacity.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.userPath != "" {
		cfg := NewDefault()
		if _, err := os.Stat(s.userPath); err == nil {
			if err := cfg.LoadFromFile(s.userPath); err != nil {
				return CapacitySettings(s.cfg, s.doc), err
			}
		}
		cfg.Normalize()
		*s.cfg = *cfg
	}
	if s.docPath != "" {
		doc, err := LoadDocument(s.docPath)
		if err != nil {
			return CapacitySettings(s.cfg, s.doc), err
		}
		*s.doc = *doc
	}
	return CapacitySettings(s.cfg, s.doc), nil
}

// SaveUpdateInterval persists the telemetry refresh interval to the user
// file. Sub-second values are stored as one second.
func (s *FileStore) SaveUpdateInterval(interval time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seconds := int(interval / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	s.cfg.ImageCache.UpdateEveryNSeconds = seconds
	if s.userPath == "" {
		return nil
	}
	return s.cfg.SaveToFile(s.userPath)
}
