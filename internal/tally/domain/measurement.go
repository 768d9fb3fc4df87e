// Package domain contains the tally data model: measurement categories,
// per-product usage calculations and persisted snapshots.
package domain

import "strings"

// HardwareMeasurementType is the category axis usage is partitioned over.
type HardwareMeasurementType string

const (
	MeasurementTypeTotal      HardwareMeasurementType = "TOTAL"
	MeasurementTypePhysical   HardwareMeasurementType = "PHYSICAL"
	MeasurementTypeHypervisor HardwareMeasurementType = "HYPERVISOR"
	MeasurementTypeAWS        HardwareMeasurementType = "AWS"
	MeasurementTypeAlibaba    HardwareMeasurementType = "ALIBABA"
	MeasurementTypeGoogle     HardwareMeasurementType = "GOOGLE"
	MeasurementTypeAzure      HardwareMeasurementType = "AZURE"
)

var measurementTypes = []HardwareMeasurementType{
	MeasurementTypeTotal,
	MeasurementTypePhysical,
	MeasurementTypeHypervisor,
	MeasurementTypeAWS,
	MeasurementTypeAlibaba,
	MeasurementTypeGoogle,
	MeasurementTypeAzure,
}

var cloudProviderTypes = map[HardwareMeasurementType]struct{}{
	MeasurementTypeAWS:     {},
	MeasurementTypeAlibaba: {},
	MeasurementTypeGoogle:  {},
	MeasurementTypeAzure:   {},
}

// MeasurementTypes lists every category in declaration order.
func MeasurementTypes() []HardwareMeasurementType {
	out := make([]HardwareMeasurementType, len(measurementTypes))
	copy(out, measurementTypes)
	return out
}

// IsCloudProvider reports whether t names a cloud provider category.
func (t HardwareMeasurementType) IsCloudProvider() bool {
	_, ok := cloudProviderTypes[t]
	return ok
}

func (t HardwareMeasurementType) Valid() bool {
	for _, known := range measurementTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ParseMeasurementType normalizes value and validates it against the known categories.
func ParseMeasurementType(value string) (HardwareMeasurementType, error) {
	t := HardwareMeasurementType(strings.ToUpper(strings.TrimSpace(value)))
	if !t.Valid() {
		return "", ErrInvalidCategory
	}
	return t, nil
}
