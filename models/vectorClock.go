package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
)

// ClockOrdering is the result of comparing two vector clocks.
type ClockOrdering int

const (
	OrderEqual ClockOrdering = iota
	OrderBefore
	OrderAfter
	OrderConcurrent
)

func (o ClockOrdering) String() string {
	switch o {
	case OrderEqual:
		return "EQUAL"
	case OrderBefore:
		return "BEFORE"
	case OrderAfter:
		return "AFTER"
	default:
		return "CONCURRENT"
	}
}

// VectorClock maps device id -> counter. Missing coordinates count as zero.
// Stored as a JSON column on events and device log heads.
type VectorClock map[string]int64

// Clone returns an independent copy. A nil clock clones to an empty one.
func (vc VectorClock) Clone() VectorClock {
	out := make(VectorClock, len(vc))
	for k, v := range vc {
		out[k] = v
	}
	return out
}

// Bump returns a copy with deviceId's counter incremented. The receiver is
// not modified; clocks on persisted events are immutable.
func (vc VectorClock) Bump(deviceId string) VectorClock {
	out := vc.Clone()
	out[deviceId] = out[deviceId] + 1
	return out
}

// Merge returns the coordinate-wise maximum of both clocks.
func (vc VectorClock) Merge(other VectorClock) VectorClock {
	out := vc.Clone()
	for k, v := range other {
		if v > out[k] {
			out[k] = v
		}
	}
	return out
}

// Compare implements strict dominance: vc is Before other iff every
// coordinate of vc is <= other's and at least one is strictly less.
// Neither dominating means the clocks are Concurrent.
func (vc VectorClock) Compare(other VectorClock) ClockOrdering {
	var less, greater bool
	for k, v := range vc {
		ov := other[k]
		if v < ov {
			less = true
		} else if v > ov {
			greater = true
		}
	}
	for k, ov := range other {
		if _, seen := vc[k]; seen {
			continue
		}
		if ov > 0 {
			less = true
		}
	}
	switch {
	case less && greater:
		return OrderConcurrent
	case less:
		return OrderBefore
	case greater:
		return OrderAfter
	default:
		return OrderEqual
	}
}

func (vc VectorClock) Value() (driver.Value, error) {
	if vc == nil {
		vc = VectorClock{}
	}
	b, err := json.Marshal(vc)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (vc *VectorClock) Scan(value interface{}) error {
	if value == nil {
		*vc = VectorClock{}
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return errors.New("unsupported vector clock column type")
	}
	if len(data) == 0 {
		*vc = VectorClock{}
		return nil
	}
	if err := json.Unmarshal(data, vc); err != nil {
		return fmt.Errorf("scan vector clock: %w", err)
	}
	return nil
}
