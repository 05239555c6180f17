package sites

// atomicMass holds standard atomic weights (u) for the metals and adsorbate
// elements the screen handles. Unknown symbols weigh 1.
var atomicMass = map[string]float64{
	"H": 1.008, "C": 12.011, "N": 14.007, "O": 15.999, "S": 32.06,
	"Al": 26.982, "Ti": 47.867, "V": 50.942, "Cr": 51.996, "Mn": 54.938,
	"Fe": 55.845, "Co": 58.933, "Ni": 58.693, "Cu": 63.546, "Zn": 65.38,
	"Zr": 91.224, "Nb": 92.906, "Mo": 95.95, "Ru": 101.07, "Rh": 102.91,
	"Pd": 106.42, "Ag": 107.87, "Sn": 118.71, "Hf": 178.49, "Ta": 180.95,
	"W": 183.84, "Re": 186.21, "Os": 190.23, "Ir": 192.22, "Pt": 195.08,
	"Au": 196.97,
}

func massOf(symbol string) float64 {
	if m, ok := atomicMass[symbol]; ok {
		return m
	}
	return 1
}
