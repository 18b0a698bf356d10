package eta

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/models"
)

// Tariff is the per-vehicle-type pricing: base price plus a per-kilometer rate.
type Tariff struct {
	Base  float64
	PerKm float64
}

func (t Tariff) Price(km float64) float64 { return round2(t.Base + km*t.PerKm) }

type PriceTable map[models.VehicleType]Tariff

func DefaultPriceTable() PriceTable {
	return PriceTable{
		models.VehicleStandard: {Base: 200, PerKm: 120},
		models.VehicleLuxury:   {Base: 360, PerKm: 120},
		models.VehicleVan:      {Base: 300, PerKm: 120},
	}
}

// ParsePriceTable reads "TYPE:base:perKm,TYPE:base:perKm".
func ParsePriceTable(v string) (PriceTable, error) {
	out := PriceTable{}
	for _, entry := range strings.Split(v, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("price entry %q: want TYPE:base:perKm", entry)
		}
		vt := models.VehicleType(strings.ToUpper(strings.TrimSpace(parts[0])))
		if !vt.Valid() {
			return nil, fmt.Errorf("price entry %q: unknown vehicle type", entry)
		}
		base, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("price entry %q: %w", entry, err)
		}
		perKm, err := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64)
		if err != nil {
			return nil, fmt.Errorf("price entry %q: %w", entry, err)
		}
		out[vt] = Tariff{Base: base, PerKm: perKm}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("price table is empty")
	}
	return out, nil
}
