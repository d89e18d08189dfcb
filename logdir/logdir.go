// Package logdir creates and tracks the active log directory processes run
// in, recording who requested it.
package logdir

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// InfoFileName is the metadata file written inside every created log
// directory.
const InfoFileName = "info.yml"

// Manager creates log directories named after a time tag and remembers the
// active one.
type Manager struct {
	log     *zap.SugaredLogger
	baseDir string

	mu     sync.Mutex
	active string
}

type Option func(m *Manager)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(m *Manager) {
		m.log = l
	}
}

// New builds a manager with the given default base directory.
func New(baseDir string, opts ...Option) *Manager {
	m := &Manager{
		log:     zap.NewNop().Sugar(),
		baseDir: baseDir,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

type info struct {
	Time     string         `yaml:"time"`
	UUID     string         `yaml:"uuid"`
	Metadata map[string]any `yaml:"metadata,omitempty"`
}

// CreateLogDir creates {base}/{timeTag} (appending .1, .2, ... when the name
// is taken), writes the requester metadata into it, and makes it the active
// directory. An empty base selects the manager's default.
func (m *Manager) CreateLogDir(base, timeTag string, metadata map[string]any) (string, error) {
	if base == "" {
		base = m.baseDir
	}
	if timeTag == "" {
		return "", fmt.Errorf("creating log dir: empty time tag")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	dir := filepath.Join(base, timeTag)
	for i := 1; ; i++ {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			break
		}
		dir = filepath.Join(base, fmt.Sprintf("%s.%d", timeTag, i))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating log dir: %w", err)
	}

	b, err := yaml.Marshal(info{
		Time:     time.Now().Format(time.RFC3339),
		UUID:     uuid.NewString(),
		Metadata: metadata,
	})
	if err != nil {
		return "", fmt.Errorf("encoding log dir metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, InfoFileName), b, 0o644); err != nil {
		return "", fmt.Errorf("writing log dir metadata: %w", err)
	}

	m.active = dir
	m.log.Infow("created log dir", "Dir", dir)
	return dir, nil
}

// ActiveDir returns the most recently created log directory, or "" before
// the first CreateLogDir.
func (m *Manager) ActiveDir() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}
