package alerts

import (
	"strconv"
	"strings"
)

// Vehicle is the canonical identity of a tracked vehicle.
type Vehicle struct {
	ID     int64  `json:"id"`
	Code   string `json:"code"`
	Active bool   `json:"active"`
}

// VehicleRef identifies a vehicle either by numeric id or by plate/code.
type VehicleRef struct {
	id     int64
	code   string
	byCode bool
	raw    string
}

// ByID references a vehicle by its numeric id.
func ByID(id int64) VehicleRef {
	return VehicleRef{id: id}
}

// ByCode references a vehicle by its plate or code.
func ByCode(code string) VehicleRef {
	return VehicleRef{code: strings.TrimSpace(code), byCode: true}
}

// ParseVehicleRef chooses ByID for numeric input and ByCode otherwise.
func ParseVehicleRef(value string) VehicleRef {
	value = strings.TrimSpace(value)
	if id, err := strconv.ParseInt(value, 10, 64); err == nil && id > 0 {
		return VehicleRef{id: id, raw: value}
	}
	return ByCode(value)
}

// ID returns the numeric id and true for ByID references.
func (r VehicleRef) ID() (int64, bool) {
	return r.id, !r.byCode
}

// Code returns the code and true for ByCode references.
func (r VehicleRef) Code() (string, bool) {
	return r.code, r.byCode
}

// String renders the reference as the caller supplied it. Parsed ids keep
// their original text so "0042" stays "0042".
func (r VehicleRef) String() string {
	if r.byCode {
		return r.code
	}
	if r.raw != "" {
		return r.raw
	}
	return strconv.FormatInt(r.id, 10)
}
