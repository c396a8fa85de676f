// Package supplies implements the shelter's two supply aggregates (food and
// medicine) and the additive, saturating delta update rule applied to them.
package supplies

import (
	"encoding/json"
	"fmt"

	"github.com/francoriba/shelter-server-HPC/internal/store"
)

const (
	foodKey     = "food"
	medicineKey = "medicine"
)

// Food is the ordered quadruple of non-negative integer counts spec.md §3
// calls FoodAggregate.
type Food struct {
	Meat       int64 `json:"meat"`
	Vegetables int64 `json:"vegetables"`
	Fruits     int64 `json:"fruits"`
	Water      int64 `json:"water"`
}

// Medicine is the MedicineAggregate triple.
type Medicine struct {
	Antibiotics int64 `json:"antibiotics"`
	Analgesics  int64 `json:"analgesics"`
	Bandages    int64 `json:"bandages"`
}

// Snapshot is the SuppliesSnapshotRecord: both aggregates at one instant.
type Snapshot struct {
	Food     Food     `json:"food"`
	Medicine Medicine `json:"medicine"`
}

// Delta is the partial JSON document a client sends to apply an update. Any
// subset of fields may be present on either sub-object; unknown names and
// non-integer values are ignored (spec.md §4.3).
type Delta struct {
	Food     map[string]json.Number `json:"food"`
	Medicine map[string]json.Number `json:"medicine"`
}

// Model reads and writes the two aggregates through a Store handle. It holds
// no in-memory cache: every Read/Apply round-trips the store, per spec.md
// §3's ownership rule ("Aggregates are always read-then-write within a
// single handler invocation").
type Model struct {
	store *store.Store
}

// New wraps store for supply-aggregate access.
func New(s *store.Store) *Model {
	return &Model{store: s}
}

// Bootstrap writes all-zero aggregates for any key (food, medicine) that is
// absent, per spec.md I2 and original_source's init_rocksdb_supplies.
func (m *Model) Bootstrap() error {
	if _, ok, err := m.store.Get(foodKey); err != nil {
		return err
	} else if !ok {
		if err := m.putFood(Food{}); err != nil {
			return err
		}
	}

	if _, ok, err := m.store.Get(medicineKey); err != nil {
		return err
	} else if !ok {
		if err := m.putMedicine(Medicine{}); err != nil {
			return err
		}
	}
	return nil
}

// Read returns the current aggregates.
func (m *Model) Read() (Snapshot, error) {
	food, err := m.readFood()
	if err != nil {
		return Snapshot{}, err
	}
	medicine, err := m.readMedicine()
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Food: food, Medicine: medicine}, nil
}

// Apply adds delta's named fields onto the current aggregates, clamping each
// result at zero (I3), rewrites both aggregates, and returns the resulting
// snapshot. The caller is responsible for persisting the snapshot under a
// supplies_<id>_<ts> key, updating latestSupplies, and bumping last_supplies
// (spec.md §4.3): Apply only owns the two aggregate keys.
func (m *Model) Apply(delta Delta) (Snapshot, error) {
	food, err := m.readFood()
	if err != nil {
		return Snapshot{}, err
	}
	medicine, err := m.readMedicine()
	if err != nil {
		return Snapshot{}, err
	}

	food.Meat = saturate(food.Meat, delta.Food["meat"])
	food.Vegetables = saturate(food.Vegetables, delta.Food["vegetables"])
	food.Fruits = saturate(food.Fruits, delta.Food["fruits"])
	food.Water = saturate(food.Water, delta.Food["water"])

	medicine.Antibiotics = saturate(medicine.Antibiotics, delta.Medicine["antibiotics"])
	medicine.Analgesics = saturate(medicine.Analgesics, delta.Medicine["analgesics"])
	medicine.Bandages = saturate(medicine.Bandages, delta.Medicine["bandages"])

	if err := m.putFood(food); err != nil {
		return Snapshot{}, err
	}
	if err := m.putMedicine(medicine); err != nil {
		return Snapshot{}, err
	}

	return Snapshot{Food: food, Medicine: medicine}, nil
}

// saturate adds n (if it parses as an integer) to current and clamps the
// result at zero. A missing or non-integer n is a no-op, grounded on
// update_supplies_from_json's "item != NULL && item->type == cJSON_Number"
// guard.
func saturate(current int64, n json.Number) int64 {
	if n == "" {
		return current
	}
	delta, err := n.Int64()
	if err != nil {
		return current
	}
	sum := current + delta
	if sum < 0 {
		return 0
	}
	return sum
}

func (m *Model) readFood() (Food, error) {
	raw, ok, err := m.store.Get(foodKey)
	if err != nil {
		return Food{}, err
	}
	if !ok {
		return Food{}, nil
	}
	var f Food
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		return Food{}, fmt.Errorf("supplies: decoding food aggregate: %w", err)
	}
	return f, nil
}

func (m *Model) readMedicine() (Medicine, error) {
	raw, ok, err := m.store.Get(medicineKey)
	if err != nil {
		return Medicine{}, err
	}
	if !ok {
		return Medicine{}, nil
	}
	var med Medicine
	if err := json.Unmarshal([]byte(raw), &med); err != nil {
		return Medicine{}, fmt.Errorf("supplies: decoding medicine aggregate: %w", err)
	}
	return med, nil
}

func (m *Model) putFood(f Food) error {
	b, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("supplies: encoding food aggregate: %w", err)
	}
	return m.store.Put(foodKey, string(b))
}

func (m *Model) putMedicine(med Medicine) error {
	b, err := json.Marshal(med)
	if err != nil {
		return fmt.Errorf("supplies: encoding medicine aggregate: %w", err)
	}
	return m.store.Put(medicineKey, string(b))
}
