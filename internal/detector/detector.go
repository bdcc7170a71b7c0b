package detector

// Detector is a strategy that determines if a service process is running.
// It must be safe for concurrent use.
type Detector interface {
	// Alive returns true if the process is detected as running.
	Alive() (bool, error)
	// Describe returns a human-readable description of the detection method.
	Describe() string
}

// First runs detectors in order and reports the first positive one.
// Errors are treated as "not detected".
func First(dets ...Detector) (bool, string) {
	for _, d := range dets {
		if d == nil {
			continue
		}
		if ok, err := d.Alive(); err == nil && ok {
			return true, d.Describe()
		}
	}
	return false, ""
}
