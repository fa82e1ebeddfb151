package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/langchou/smartgazer/internal/models"
)

// MemoryStore 无数据库时的降级存储。事件只保留最近 limit 条，超出后淘汰最旧的。
type MemoryStore struct {
	mu          sync.RWMutex
	limit       int
	placeholder string

	users    map[string]*models.User
	vehicles map[string]*models.Vehicle
	events   []*models.Event
	seq      int64
	userSeq  int64
	vehSeq   int64
}

// NewMemoryStore 创建内存存储
func NewMemoryStore(limit int, placeholderUserID string) *MemoryStore {
	if limit <= 0 {
		limit = 100
	}
	return &MemoryStore{
		limit:       limit,
		placeholder: placeholderUserID,
		users:       make(map[string]*models.User),
		vehicles:    make(map[string]*models.Vehicle),
	}
}

// Limit 事件容量
func (s *MemoryStore) Limit() int {
	return s.limit
}

func (s *MemoryStore) ensureUserLocked(externalID string) *models.User {
	if u, ok := s.users[externalID]; ok {
		return u
	}
	s.userSeq++
	now := time.Now()
	u := &models.User{ID: s.userSeq, ExternalID: externalID, CreatedAt: now, UpdatedAt: now}
	s.users[externalID] = u
	return u
}

func (s *MemoryStore) ensureVehicleLocked(smartcarID, ownerID string) (*models.Vehicle, bool) {
	if v, ok := s.vehicles[smartcarID]; ok {
		return v, false
	}
	owner := s.ensureUserLocked(ownerID)
	s.vehSeq++
	now := time.Now()
	v := &models.Vehicle{
		ID:         s.vehSeq,
		SmartcarID: smartcarID,
		UserID:     owner.ExternalID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.vehicles[smartcarID] = v
	return v, true
}

// Append 写入事件，车辆不存在时以占位用户创建
func (s *MemoryStore) Append(_ context.Context, event *models.Event) error {
	if !event.Type.Valid() {
		return fmt.Errorf("append event: %w: %q", ErrInvalidEventType, event.Type)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.ensureVehicleLocked(event.VehicleID, s.placeholder)

	s.seq++
	stored := *event
	stored.ID = s.seq
	stored.CreatedAt = time.Now()
	event.ID, event.CreatedAt = stored.ID, stored.CreatedAt

	s.events = append(s.events, &stored)
	if over := len(s.events) - s.limit; over > 0 {
		for i := 0; i < over; i++ {
			s.events[i] = nil
		}
		s.events = append([]*models.Event(nil), s.events[over:]...)
	}
	return nil
}

// newer 时间更晚者优先，相同时后写入者优先
func newer(a, b *models.Event) bool {
	if !a.RecordedAt.Equal(b.RecordedAt) {
		return a.RecordedAt.After(b.RecordedAt)
	}
	return a.ID > b.ID
}

// Latest 获取某车辆某类型最新的事件
func (s *MemoryStore) Latest(_ context.Context, vehicleID string, eventType models.EventType) (*models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *models.Event
	for _, e := range s.events {
		if e.VehicleID != vehicleID || e.Type != eventType {
			continue
		}
		if best == nil || newer(e, best) {
			best = e
		}
	}
	if best == nil {
		return nil, fmt.Errorf("get latest %s event: %w", eventType, ErrNotFound)
	}
	cp := *best
	return &cp, nil
}

// ListByVehicle 获取车辆全部事件，按时间倒序
func (s *MemoryStore) ListByVehicle(_ context.Context, vehicleID string) ([]*models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var events []*models.Event
	for _, e := range s.events {
		if e.VehicleID == vehicleID {
			cp := *e
			events = append(events, &cp)
		}
	}
	sort.Slice(events, func(i, j int) bool { return newer(events[i], events[j]) })
	return events, nil
}

// Purge 删除所有事件
func (s *MemoryStore) Purge(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := int64(len(s.events))
	s.events = nil
	return n, nil
}

// GetVehicle 通过 Smartcar ID 获取车辆
func (s *MemoryStore) GetVehicle(_ context.Context, smartcarID string) (*models.Vehicle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.vehicles[smartcarID]
	if !ok {
		return nil, fmt.Errorf("get vehicle %s: %w", smartcarID, ErrNotFound)
	}
	cp := *v
	return &cp, nil
}

// UpsertVehicle 写入车辆属性，归属用户只在创建时确定
func (s *MemoryStore) UpsertVehicle(_ context.Context, attrs models.VehicleAttributes, ownerID string) (*models.Vehicle, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, created := s.ensureVehicleLocked(attrs.SmartcarID, ownerID)
	if attrs.Make != "" {
		v.Make = attrs.Make
	}
	if attrs.Model != "" {
		v.Model = attrs.Model
	}
	if attrs.Year != 0 {
		v.Year = attrs.Year
	}
	v.UpdatedAt = time.Now()

	cp := *v
	return &cp, created, nil
}

// SaveCredential 覆盖车辆凭据并清除失效标记
func (s *MemoryStore) SaveCredential(_ context.Context, smartcarID string, cred models.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.vehicles[smartcarID]
	if !ok {
		return fmt.Errorf("save credential for %s: %w", smartcarID, ErrNotFound)
	}
	cred.Invalid = false
	v.Credential = cred
	v.UpdatedAt = time.Now()
	return nil
}

// InvalidateCredential 标记凭据失效
func (s *MemoryStore) InvalidateCredential(_ context.Context, smartcarID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.vehicles[smartcarID]
	if !ok {
		return fmt.Errorf("invalidate credential for %s: %w", smartcarID, ErrNotFound)
	}
	v.Credential.Invalid = true
	v.UpdatedAt = time.Now()
	return nil
}

// ListVehicles 获取所有车辆
func (s *MemoryStore) ListVehicles(_ context.Context) ([]*models.Vehicle, error) {
	return s.vehiclesWhere(func(*models.Vehicle) bool { return true }), nil
}

// ListVehiclesByUser 获取某个用户的车辆
func (s *MemoryStore) ListVehiclesByUser(_ context.Context, userID string) ([]*models.Vehicle, error) {
	return s.vehiclesWhere(func(v *models.Vehicle) bool { return v.UserID == userID }), nil
}

func (s *MemoryStore) vehiclesWhere(keep func(*models.Vehicle) bool) []*models.Vehicle {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Vehicle
	for _, v := range s.vehicles {
		if keep(v) {
			cp := *v
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PurgeAll 清空全部数据
func (s *MemoryStore) PurgeAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.users = make(map[string]*models.User)
	s.vehicles = make(map[string]*models.Vehicle)
	s.events = nil
	return nil
}

// Dump 导出全部数据
func (s *MemoryStore) Dump(ctx context.Context) (*models.Dump, error) {
	vehicles, _ := s.ListVehicles(ctx)

	s.mu.RLock()
	defer s.mu.RUnlock()

	dump := &models.Dump{Vehicles: vehicles}
	for _, u := range s.users {
		cp := *u
		dump.Users = append(dump.Users, &cp)
	}
	sort.Slice(dump.Users, func(i, j int) bool { return dump.Users[i].ID < dump.Users[j].ID })
	for _, e := range s.events {
		cp := *e
		dump.Events = append(dump.Events, &cp)
	}
	return dump, nil
}
