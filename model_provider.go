package websim

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// GenerateRequest is a single completion request handed to a model provider.
type GenerateRequest struct {
	ModelID     string         `json:"model_id"`
	ModelParams map[string]any `json:"model_params"`
	System      string         `json:"system"`
	Prompt      string         `json:"prompt"`
}

// ModelProvider generates content with a specific completion API.
type ModelProvider interface {
	GenerateText(ctx context.Context, req *GenerateRequest) (string, error)
}

var (
	ErrModelProviderNameEmpty         = errors.New("model provider name is empty")
	ErrModelProviderAlreadyRegistered = errors.New("model provider already registered")
)

type ModelProviderManager struct {
	mu        sync.RWMutex
	providers map[string]ModelProvider
}

func NewModelProviderManager() *ModelProviderManager {
	return &ModelProviderManager{
		providers: make(map[string]ModelProvider),
	}
}

func (m *ModelProviderManager) Register(name string, provider ModelProvider) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if name == "" {
		return ErrModelProviderNameEmpty
	}
	if _, ok := m.providers[name]; ok {
		return ErrModelProviderAlreadyRegistered
	}
	m.providers[name] = provider
	return nil
}

func (m *ModelProviderManager) Get(name string) (ModelProvider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	provider, ok := m.providers[name]
	if !ok {
		return nil, fmt.Errorf("model provider %s not found", name)
	}
	return provider, nil
}

func (m *ModelProviderManager) Exists(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.providers[name]
	return ok
}

func (m *ModelProviderManager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	return names
}

var globalModelProviderManager = NewModelProviderManager()

// RegisterModelProvider registers a provider to the default manager. Provider
// packages call this from init; the cmd package imports them blank.
func RegisterModelProvider(name string, provider ModelProvider) error {
	return globalModelProviderManager.Register(name, provider)
}

// DefaultModelProviderManager returns the default manager.
func DefaultModelProviderManager() *ModelProviderManager {
	return globalModelProviderManager
}
