package castlemind

import "github.com/chewxy/math32"

// Example is one recorded self-play ply: the visit-derived policy target,
// the searched root evaluation and the move actually played.
type Example struct {
	Policy []float32
	Q      float32
	SAN    string
}

// ProbabilityToCentipawn maps a win probability in [-1, 1] to the familiar
// centipawn display scale, truncated to two decimals.
func ProbabilityToCentipawn(probability float32) float32 {
	return float32(int(1.3*math32.Tan(1.57*probability)*100)) / 100
}
