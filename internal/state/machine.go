package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/langchou/smartgazer/internal/models"
	"github.com/looplab/fsm"
)

// 凭据状态常量
const (
	StateAbsent     = "absent"
	StateValid      = "valid"
	StateExpiring   = "expiring"
	StateRefreshing = "refreshing"
	StateInvalid    = "invalid"
)

// 事件常量
const (
	EventStore            = "store"
	EventExpire           = "expire"
	EventRefresh          = "refresh"
	EventRefreshSucceeded = "refresh_succeeded"
	EventRefreshFailed    = "refresh_failed"
	EventInvalidate       = "invalidate"
)

// PhaseFor 根据持久化的凭据推算当前状态。
// 距离过期不足 buffer 即视为 expiring。
func PhaseFor(cred models.Credential, now time.Time, buffer time.Duration) string {
	switch {
	case !cred.Present():
		return StateAbsent
	case cred.Invalid:
		return StateInvalid
	case cred.ExpiresAt.Sub(now) > buffer:
		return StateValid
	default:
		return StateExpiring
	}
}

// Machine 单辆车的凭据状态机
type Machine struct {
	mu            sync.RWMutex
	refreshMu     sync.Mutex
	vehicleID     string
	fsm           *fsm.FSM
	onStateChange func(vehicleID, from, to string)
}

// NewMachine 创建状态机
func NewMachine(vehicleID, initialState string, onStateChange func(vehicleID, from, to string)) *Machine {
	if initialState == "" {
		initialState = StateAbsent
	}

	m := &Machine{
		vehicleID:     vehicleID,
		onStateChange: onStateChange,
	}

	m.fsm = fsm.NewFSM(
		initialState,
		fsm.Events{
			// 换码或刷新成功后写入新凭据
			{Name: EventStore, Src: []string{StateAbsent, StateValid, StateExpiring, StateRefreshing, StateInvalid}, Dst: StateValid},

			{Name: EventExpire, Src: []string{StateValid}, Dst: StateExpiring},
			{Name: EventRefresh, Src: []string{StateExpiring}, Dst: StateRefreshing},

			// 从 refreshing 状态
			{Name: EventRefreshSucceeded, Src: []string{StateRefreshing}, Dst: StateValid},
			{Name: EventRefreshFailed, Src: []string{StateRefreshing}, Dst: StateInvalid},

			{Name: EventInvalidate, Src: []string{StateValid, StateExpiring, StateRefreshing}, Dst: StateInvalid},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				if m.onStateChange != nil && e.Src != e.Dst {
					m.onStateChange(m.vehicleID, e.Src, e.Dst)
				}
			},
		},
	)

	return m
}

// CurrentState 获取当前状态
func (m *Machine) CurrentState() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fsm.Current()
}

// Observe 用持久化凭据推算出的状态校准状态机，不触发回调。
// 其他实例可能已经刷新过凭据，所以每次取 token 前都要校准。
func (m *Machine) Observe(phase string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fsm.Current() == phase {
		return
	}
	m.fsm.SetState(phase)
}

// Trigger 触发事件
func (m *Machine) Trigger(event string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fsm.Event(context.Background(), event); err != nil {
		var same fsm.NoTransitionError
		if errors.As(err, &same) {
			return nil
		}
		return fmt.Errorf("trigger event %s: %w", event, err)
	}
	return nil
}

// CanTransition 检查是否可以转换
func (m *Machine) CanTransition(event string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fsm.Can(event)
}

// Exclusive 串行执行同一车辆的刷新流程，保证同一时刻只有一次刷新
func (m *Machine) Exclusive(fn func() error) error {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()
	return fn()
}

// Manager 状态机管理器
type Manager struct {
	mu       sync.RWMutex
	machines map[string]*Machine
	onChange func(vehicleID, from, to string)
}

// NewManager 创建管理器
func NewManager(onChange func(vehicleID, from, to string)) *Manager {
	return &Manager{
		machines: make(map[string]*Machine),
		onChange: onChange,
	}
}

// GetOrCreate 获取或创建状态机
func (m *Manager) GetOrCreate(vehicleID, initialState string) *Machine {
	m.mu.Lock()
	defer m.mu.Unlock()

	if machine, ok := m.machines[vehicleID]; ok {
		return machine
	}

	machine := NewMachine(vehicleID, initialState, m.onChange)
	m.machines[vehicleID] = machine
	return machine
}

// Get 获取状态机
func (m *Manager) Get(vehicleID string) (*Machine, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	machine, ok := m.machines[vehicleID]
	return machine, ok
}

// Reset 清空所有状态机
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.machines = make(map[string]*Machine)
}

// States 获取所有车辆的凭据状态
func (m *Manager) States() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make(map[string]string, len(m.machines))
	for vehicleID, machine := range m.machines {
		states[vehicleID] = machine.CurrentState()
	}
	return states
}
