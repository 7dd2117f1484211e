package fsys

import (
	"fmt"
	"io/fs"
	"path"
	"sort"
	"sync"
)

// Memory is an in-memory FileSystem used for memory-only mode and tests.
// Failures can be injected per file name.
type Memory struct {
	mu         sync.Mutex
	root       string
	files      map[string]int64
	failUnlink map[string]error
	failStat   map[string]error
	space      Space
	spaceErr   error
}

// NewMemory returns an empty in-memory filesystem rooted at root.
func NewMemory(root string) *Memory {
	return &Memory{
		root:       root,
		files:      make(map[string]int64),
		failUnlink: make(map[string]error),
		failStat:   make(map[string]error),
		space:      Space{Total: 64 << 30, Free: 32 << 30},
	}
}

func (m *Memory) DocumentDir() string { return m.root }

func (m *Memory) Path(name string) string {
	if path.IsAbs(name) {
		return name
	}
	return path.Join(m.root, name)
}

// AddFile records a file of the given size.
func (m *Memory) AddFile(name string, size int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[m.Path(name)] = size
}

// WriteFile records a file holding len(data) bytes.
func (m *Memory) WriteFile(name string, data []byte) error {
	m.AddFile(name, int64(len(data)))
	return nil
}

// FailUnlink makes every Unlink of name return err.
func (m *Memory) FailUnlink(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failUnlink[m.Path(name)] = err
}

// FailStat makes every Stat of name return err.
func (m *Memory) FailStat(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failStat[m.Path(name)] = err
}

// SetSpace overrides the reported device space; a non-nil err makes FreeSpace fail.
func (m *Memory) SetSpace(space Space, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.space = space
	m.spaceErr = err
}

// Files lists stored paths in sorted order.
func (m *Memory) Files() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.files))
	for p := range m.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (m *Memory) Exists(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.files[m.Path(name)]
	return ok
}

func (m *Memory) Stat(name string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.Path(name)
	if err, ok := m.failStat[p]; ok {
		return 0, err
	}
	size, ok := m.files[p]
	if !ok {
		return 0, fmt.Errorf("stat %s: %w", p, fs.ErrNotExist)
	}
	return size, nil
}

func (m *Memory) Unlink(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.Path(name)
	if err, ok := m.failUnlink[p]; ok {
		return err
	}
	delete(m.files, p)
	return nil
}

func (m *Memory) FreeSpace() (Space, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.space, m.spaceErr
}
