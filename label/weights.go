package label

import "math"

// Weights computes per-class loss weights from a fitted label sample.
// Supported modes are "linear" (inverse frequency), "sqrt" and "log",
// which progressively dampen the correction. An empty mode returns nil.
func Weights(mode string, labels []string) map[string]float64 {
	if mode == "" || len(labels) == 0 {
		return nil
	}
	counts := make(map[string]int)
	for _, l := range labels {
		counts[l]++
	}
	n := float64(len(labels))
	k := float64(len(counts))
	out := make(map[string]float64, len(counts))
	for class, count := range counts {
		w := n / (k * float64(count))
		switch mode {
		case "sqrt":
			w = math.Sqrt(w)
		case "log":
			w = math.Max(1, math.Log(w)+1)
		}
		out[class] = w
	}
	return out
}
