package config

import (
	"context"
	"sort"
	"sync/atomic"

	"github.com/saiset-co/sai-market/types"
)

// Manager holds the validated configuration of a running instance. It is
// created once in main and passed down; nothing reads it through globals.
type Manager struct {
	configPath string
	loader     *Loader
	config     atomic.Pointer[types.ServiceConfig]
	parser     atomic.Pointer[Parser]
}

var _ types.ConfigManager = (*Manager)(nil)

// NewManager loads configPath and fails if it does not validate.
func NewManager(ctx context.Context, configPath string) (*Manager, error) {
	m := &Manager{
		configPath: configPath,
		loader:     NewLoader(),
	}

	if err := m.Load(ctx); err != nil {
		return nil, types.WrapError(err, "failed to load initial configuration")
	}

	return m, nil
}

// FromConfig wraps an already built configuration after validating it.
func FromConfig(config *types.ServiceConfig) (*Manager, error) {
	m := &Manager{loader: NewLoader()}

	if err := m.loader.Validate(config); err != nil {
		return nil, err
	}

	m.store(config)
	return m, nil
}

// Load re-reads the file. The previous configuration stays in place when the
// new one fails to load.
func (m *Manager) Load(ctx context.Context) error {
	config, err := m.loader.LoadFromFile(ctx, m.configPath)
	if err != nil {
		return err
	}

	m.store(config)
	return nil
}

func (m *Manager) store(config *types.ServiceConfig) {
	m.parser.Store(NewParser(config))
	m.config.Store(config)
}

func (m *Manager) Path() string {
	return m.configPath
}

func (m *Manager) GetConfig() *types.ServiceConfig {
	return m.config.Load()
}

func (m *Manager) GetValue(path string, defaultValue interface{}) interface{} {
	parser := m.parser.Load()
	if parser == nil {
		return defaultValue
	}
	return parser.GetValue(path, defaultValue)
}

func (m *Manager) GetAs(path string, target interface{}) error {
	parser := m.parser.Load()
	if parser == nil {
		return types.ErrConfigIsNil
	}
	return parser.GetAs(path, target)
}

// GetAllPaths returns every leaf path, sorted.
func (m *Manager) GetAllPaths() []string {
	parser := m.parser.Load()
	if parser == nil {
		return nil
	}
	paths := parser.Paths()
	sort.Strings(paths)
	return paths
}
