package rfid

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// filamentRecordJSON is the on-disk shape for a FilamentRecord. It is
// kept separate from FilamentRecord so the wire-parsing struct's *Set
// sentinel bookkeeping doesn't leak into the persisted file format.
type filamentRecordJSON struct {
	TagVersion      uint16  `json:"tag_version"`
	Manufacturer    string  `json:"manufacturer"`
	MaterialName    string  `json:"material_name"`
	ColorName       string  `json:"color_name"`
	ColorHex        *uint32 `json:"color_hex,omitempty"`
	DiameterTargetUm uint16 `json:"diameter_target_um"`
	WeightNominalG  uint16  `json:"weight_nominal_g"`
	PrintTempC      uint16  `json:"print_temp_c"`
	BedTempC        uint16  `json:"bed_temp_c"`
	DensityUgCm3    uint16  `json:"density_ug_cm3"`
	SerialNumber    string  `json:"serial_number,omitempty"`
	ManufactureDate *string `json:"manufacture_date,omitempty"`
	UpdatedAt       string  `json:"updated_at"`
}

func toJSON(rec *FilamentRecord, now time.Time) filamentRecordJSON {
	out := filamentRecordJSON{
		TagVersion:       rec.TagVersion,
		Manufacturer:     rec.Manufacturer,
		MaterialName:     rec.MaterialName,
		ColorName:        rec.ColorName,
		DiameterTargetUm: rec.DiameterTarget,
		WeightNominalG:   rec.WeightNominal,
		PrintTempC:       rec.PrintTemp,
		BedTempC:         rec.BedTemp,
		DensityUgCm3:     rec.Density,
		SerialNumber:     rec.SerialNumber,
		UpdatedAt:        now.UTC().Format(time.RFC3339),
	}
	if rec.ColorHexSet {
		v := rec.ColorHex
		out.ColorHex = &v
	}
	if rec.ManufactureDateSet {
		s := rec.ManufactureDate.Format(time.RFC3339)
		out.ManufactureDate = &s
	}
	return out
}

// Sink persists completed FilamentRecord values as one JSON file per
// extruder, written atomically via a temp file plus rename.
type Sink struct {
	dir string
}

// NewSink builds a Sink rooted at dir, creating it if necessary.
func NewSink(dir string) (*Sink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("rfid: sink: create dir %s: %w", dir, err)
	}
	return &Sink{dir: dir}, nil
}

// Write persists rec for extruderID, overwriting any previous record.
func (s *Sink) Write(extruderID int, rec *FilamentRecord) error {
	path := filepath.Join(s.dir, fmt.Sprintf("filament_extruder_%d.json", extruderID))

	body, err := json.MarshalIndent(toJSON(rec, time.Now()), "", "  ")
	if err != nil {
		return fmt.Errorf("rfid: sink: marshal: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, fmt.Sprintf(".filament_extruder_%d-*.tmp", extruderID))
	if err != nil {
		return fmt.Errorf("rfid: sink: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once the rename below succeeds

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return fmt.Errorf("rfid: sink: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("rfid: sink: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rfid: sink: rename into place: %w", err)
	}
	return nil
}
