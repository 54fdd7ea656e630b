package proximity

// Model identifies an Apple (or Beats) earbud product family as reported in
// the proximity pairing advertisement.
type Model uint16

const (
	ModelUnknown        Model = 0x0000
	ModelAirPods1       Model = 0x2002
	ModelAirPodsMax     Model = 0x200A
	ModelAirPodsPro     Model = 0x200E
	ModelAirPods2       Model = 0x200F
	ModelBeatsFitPro    Model = 0x2012
	ModelAirPods3       Model = 0x2013
	ModelAirPodsPro2    Model = 0x2014
	ModelAirPodsPro2USB Model = 0x2024
)

var modelNames = map[Model]string{
	ModelAirPods1:       "AirPods",
	ModelAirPods2:       "AirPods (2nd generation)",
	ModelAirPods3:       "AirPods (3rd generation)",
	ModelAirPodsPro:     "AirPods Pro",
	ModelAirPodsPro2:    "AirPods Pro 2",
	ModelAirPodsPro2USB: "AirPods Pro 2 (USB-C)",
	ModelAirPodsMax:     "AirPods Max",
	ModelBeatsFitPro:    "Beats Fit Pro",
}

// LookupModel maps a raw 16-bit model identifier to a known Model.
// Identifiers outside the table map to ModelUnknown.
func LookupModel(id uint16) Model {
	if _, ok := modelNames[Model(id)]; ok {
		return Model(id)
	}
	return ModelUnknown
}

// Name returns a human-readable product name, or "Unknown" for
// unrecognized models.
func (m Model) Name() string {
	if n, ok := modelNames[m]; ok {
		return n
	}
	return "Unknown"
}

// Known reports whether the model is in the fixed lookup table.
func (m Model) Known() bool {
	_, ok := modelNames[m]
	return ok
}
