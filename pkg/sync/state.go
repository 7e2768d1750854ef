package sync

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"
)

// RunState - состояние запуска маппинга (load или extract)
type RunState struct {
	Key         string    `json:"key"`
	RunID       string    `json:"run_id,omitempty"`
	Fingerprint string    `json:"fingerprint"`
	Completed   []string  `json:"completed"` // основные шаги в порядке завершения
	UpdatedAt   time.Time `json:"updated_at"`
	LastError   string    `json:"last_error,omitempty"`
}

// LastCompleted возвращает последний завершенный шаг
func (s *RunState) LastCompleted() string {
	if len(s.Completed) == 0 {
		return ""
	}
	return s.Completed[len(s.Completed)-1]
}

// StateManager управляет контрольными точками нескольких запусков
type StateManager struct {
	mu        sync.RWMutex
	states    map[string]*RunState // key -> state
	stateFile string               // Путь к файлу состояния
	autoSave  bool                 // Автоматически сохранять при изменениях
}

// StateKey - ключ состояния: вид запуска и путь к маппингу
func StateKey(kind, mappingPath string) string {
	return kind + ":" + mappingPath
}

// NewStateManager создает новый менеджер состояния
func NewStateManager(stateFile string, autoSave bool) (*StateManager, error) {
	sm := &StateManager{
		states:    make(map[string]*RunState),
		stateFile: stateFile,
		autoSave:  autoSave,
	}

	// Загружаем существующее состояние если файл существует
	if _, err := os.Stat(stateFile); err == nil {
		if err := sm.Load(); err != nil {
			return nil, fmt.Errorf("failed to load state: %w", err)
		}
	}

	return sm, nil
}

// GetState возвращает копию состояния; для нового ключа - пустое состояние
func (sm *StateManager) GetState(key string) *RunState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	state, exists := sm.states[key]
	if !exists {
		return &RunState{Key: key}
	}
	stateCopy := *state
	stateCopy.Completed = slices.Clone(state.Completed)
	return &stateCopy
}

// Begin начинает запуск. Состояние с другим fingerprint сбрасывается.
func (sm *StateManager) Begin(key, fingerprint, runID string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	state, exists := sm.states[key]
	if !exists || state.Fingerprint != fingerprint {
		state = &RunState{Key: key, Fingerprint: fingerprint}
		sm.states[key] = state
	}
	state.RunID = runID
	state.LastError = ""
	state.UpdatedAt = time.Now()

	if sm.autoSave {
		return sm.saveUnsafe()
	}
	return nil
}

// MarkCompleted отмечает шаг выполненным
func (sm *StateManager) MarkCompleted(key, step string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	state, exists := sm.states[key]
	if !exists {
		state = &RunState{Key: key}
		sm.states[key] = state
	}
	if !slices.Contains(state.Completed, step) {
		state.Completed = append(state.Completed, step)
	}
	state.UpdatedAt = time.Now()

	if sm.autoSave {
		return sm.saveUnsafe()
	}
	return nil
}

// Fail сохраняет ошибку запуска; выполненные шаги остаются
func (sm *StateManager) Fail(key string, err error) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	state, exists := sm.states[key]
	if !exists {
		state = &RunState{Key: key}
		sm.states[key] = state
	}
	state.UpdatedAt = time.Now()
	state.LastError = err.Error()

	if sm.autoSave {
		return sm.saveUnsafe()
	}
	return nil
}

// ResumeStep возвращает шаг, следующий за последним выполненным.
// steps - основные шаги маппинга по порядку. ok == false - продолжать нечего:
// состояния нет, fingerprint другой или все шаги выполнены.
func (sm *StateManager) ResumeStep(key, fingerprint string, steps []string) (string, bool) {
	state := sm.GetState(key)
	if state.Fingerprint != fingerprint || len(state.Completed) == 0 {
		return "", false
	}
	i := slices.Index(steps, state.LastCompleted())
	if i < 0 || i+1 >= len(steps) {
		return "", false
	}
	return steps[i+1], true
}

// Reset сбрасывает состояние запуска (следующий запуск начнется с начала)
func (sm *StateManager) Reset(key string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	delete(sm.states, key)

	if sm.autoSave {
		return sm.saveUnsafe()
	}
	return nil
}

// ResetAll сбрасывает все состояния
func (sm *StateManager) ResetAll() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.states = make(map[string]*RunState)

	if sm.autoSave {
		return sm.saveUnsafe()
	}
	return nil
}

// Save сохраняет состояние в файл
func (sm *StateManager) Save() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	return sm.saveUnsafe()
}

// saveUnsafe сохраняет без блокировки (вызывается когда lock уже взят)
func (sm *StateManager) saveUnsafe() error {
	data, err := json.MarshalIndent(sm.states, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	if err := os.WriteFile(sm.stateFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}

	return nil
}

// Load загружает состояние из файла
func (sm *StateManager) Load() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	data, err := os.ReadFile(sm.stateFile)
	if err != nil {
		return fmt.Errorf("failed to read state file: %w", err)
	}

	states := make(map[string]*RunState)
	if err := json.Unmarshal(data, &states); err != nil {
		return fmt.Errorf("failed to unmarshal state: %w", err)
	}

	sm.states = states
	return nil
}

// GetAllStates возвращает все состояния
func (sm *StateManager) GetAllStates() map[string]*RunState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	result := make(map[string]*RunState, len(sm.states))
	for k, v := range sm.states {
		stateCopy := *v
		stateCopy.Completed = slices.Clone(v.Completed)
		result[k] = &stateCopy
	}
	return result
}

// GetStatePath возвращает путь к файлу состояния
func (sm *StateManager) GetStatePath() string {
	return sm.stateFile
}
