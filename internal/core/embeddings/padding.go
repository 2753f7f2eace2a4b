package embeddings

// PadToTargetDimensions fits a vector to the target dimension count.
// Longer vectors are truncated; shorter ones are zero-padded, which leaves
// cosine similarity unchanged since zero components do not affect the angle.
func PadToTargetDimensions(vec []float32, target int) []float32 {
	switch {
	case len(vec) == target:
		return vec
	case len(vec) > target:
		return vec[:target]
	}

	padded := make([]float32, target)
	copy(padded, vec)

	return padded
}
