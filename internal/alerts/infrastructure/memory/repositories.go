package memory

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	alerts "fleetwatch/internal/alerts/domain"
)

// RuleRepository keeps alert rules in memory.
type RuleRepository struct {
	mu    sync.RWMutex
	rules map[alerts.Kind]alerts.AlertRule
	calls int
	err   error
}

// NewRuleRepository seeds a repository with rules.
func NewRuleRepository(rules ...alerts.AlertRule) *RuleRepository {
	repo := &RuleRepository{rules: make(map[alerts.Kind]alerts.AlertRule)}
	for _, rule := range rules {
		repo.rules[rule.Kind] = rule.Clone()
	}
	return repo
}

// ListRules returns rules sorted by kind.
func (r *RuleRepository) ListRules(_ context.Context) ([]alerts.AlertRule, error) {
	r.mu.Lock()
	r.calls++
	err := r.err
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]alerts.AlertRule, 0, len(r.rules))
	for _, rule := range r.rules {
		out = append(out, rule.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out, nil
}

// GetRule returns the rule for kind or nil.
func (r *RuleRepository) GetRule(_ context.Context, kind alerts.Kind) (*alerts.AlertRule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.rules[kind]
	if !ok {
		return nil, nil
	}
	clone := rule.Clone()
	return &clone, nil
}

// SaveRule upserts a rule.
func (r *RuleRepository) SaveRule(_ context.Context, rule alerts.AlertRule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules[rule.Kind] = rule.Clone()
	return nil
}

// Calls returns how many times ListRules ran.
func (r *RuleRepository) Calls() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.calls
}

// FailWith makes ListRules return err until cleared with nil.
func (r *RuleRepository) FailWith(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

// AlertRepository keeps alerts in memory.
type AlertRepository struct {
	mu     sync.RWMutex
	alerts map[string]alerts.Alert
	order  []string
	err    error
}

// NewAlertRepository constructs an empty repository.
func NewAlertRepository() *AlertRepository {
	return &AlertRepository{alerts: make(map[string]alerts.Alert)}
}

// Create stores a new alert.
func (r *AlertRepository) Create(_ context.Context, alert *alerts.Alert) error {
	if alert == nil || alert.ID == "" {
		return errors.New("memory alert repo: missing alert")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if _, exists := r.alerts[alert.ID]; exists {
		return errors.New("memory alert repo: duplicate id")
	}
	r.alerts[alert.ID] = *alert
	r.order = append(r.order, alert.ID)
	return nil
}

// GetByID returns the alert or nil.
func (r *AlertRepository) GetByID(_ context.Context, id string) (*alerts.Alert, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	alert, ok := r.alerts[id]
	if !ok {
		return nil, nil
	}
	return &alert, nil
}

// List returns matching alerts, newest first.
func (r *AlertRepository) List(_ context.Context, filter alerts.Filter) ([]alerts.Alert, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []alerts.Alert
	for i := len(r.order) - 1; i >= 0; i-- {
		alert := r.alerts[r.order[i]]
		if filter.VehicleID != 0 && alert.VehicleID != filter.VehicleID {
			continue
		}
		if filter.Kind != "" && alert.Kind != filter.Kind {
			continue
		}
		if filter.Status != "" && alert.Status != filter.Status {
			continue
		}
		if !filter.From.IsZero() && alert.FiredAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && !alert.FiredAt.Before(filter.To) {
			continue
		}
		out = append(out, alert)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// UpdateStatus changes status when the current status equals from.
func (r *AlertRepository) UpdateStatus(_ context.Context, id string, from, to alerts.Status, at time.Time, actor string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	alert, ok := r.alerts[id]
	if !ok || alert.Status != from {
		return false, nil
	}
	alert.Status = to
	alert.UpdatedAt = at
	switch to {
	case alerts.StatusSeen:
		alert.SeenAt = &at
	case alerts.StatusResolved, alerts.StatusIgnored:
		alert.ResolvedAt = &at
		alert.ResolvedBy = actor
	}
	r.alerts[id] = alert
	return true, nil
}

// Len returns the number of stored alerts.
func (r *AlertRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.alerts)
}

// FailWith makes Create return err until cleared with nil.
func (r *AlertRepository) FailWith(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

// VehicleDirectory keeps vehicles and driver assignments in memory.
type VehicleDirectory struct {
	mu        sync.RWMutex
	byID      map[int64]alerts.Vehicle
	byCode    map[string]int64
	drivers   map[int64]int64
	driverErr error
}

// NewVehicleDirectory seeds a directory with vehicles.
func NewVehicleDirectory(vehicles ...alerts.Vehicle) *VehicleDirectory {
	d := &VehicleDirectory{
		byID:    make(map[int64]alerts.Vehicle),
		byCode:  make(map[string]int64),
		drivers: make(map[int64]int64),
	}
	for _, v := range vehicles {
		d.Add(v)
	}
	return d
}

// Add registers a vehicle.
func (d *VehicleDirectory) Add(vehicle alerts.Vehicle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byID[vehicle.ID] = vehicle
	if vehicle.Code != "" {
		d.byCode[vehicle.Code] = vehicle.ID
	}
}

// Assign records an active driver for a vehicle.
func (d *VehicleDirectory) Assign(vehicleID, driverID int64) {
	d.mu.Lock()
	d.drivers[vehicleID] = driverID
	d.mu.Unlock()
}

// FailDriverLookups makes ActiveDriver return err.
func (d *VehicleDirectory) FailDriverLookups(err error) {
	d.mu.Lock()
	d.driverErr = err
	d.mu.Unlock()
}

// FindByID implements the vehicle directory.
func (d *VehicleDirectory) FindByID(_ context.Context, id int64) (*alerts.Vehicle, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.byID[id]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

// FindByCode implements the vehicle directory.
func (d *VehicleDirectory) FindByCode(_ context.Context, code string) (*alerts.Vehicle, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.byCode[code]
	if !ok {
		return nil, nil
	}
	v := d.byID[id]
	return &v, nil
}

// ActiveDriver implements the vehicle directory.
func (d *VehicleDirectory) ActiveDriver(_ context.Context, vehicleID int64) (*int64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.driverErr != nil {
		return nil, d.driverErr
	}
	driverID, ok := d.drivers[vehicleID]
	if !ok {
		return nil, nil
	}
	return &driverID, nil
}

// Vehicles returns every registered vehicle sorted by id.
func (d *VehicleDirectory) Vehicles() []alerts.Vehicle {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]alerts.Vehicle, 0, len(d.byID))
	for _, v := range d.byID {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DemoFleet returns n vehicles with ids 1..n and codes DEMO-001...
func DemoFleet(n int) []alerts.Vehicle {
	out := make([]alerts.Vehicle, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, alerts.Vehicle{ID: int64(i), Code: demoCode(i), Active: true})
	}
	return out
}

func demoCode(i int) string {
	s := strconv.Itoa(i)
	for len(s) < 3 {
		s = "0" + s
	}
	return "DEMO-" + s
}
