package facedetect

import (
	"cmp"
	"slices"
)

// IoU returns the intersection over union of two boxes.
func IoU(a, b Box) float64 {
	x1 := max(a.X, b.X)
	y1 := max(a.Y, b.Y)
	x2 := min(a.X+a.Width, b.X+b.Width)
	y2 := min(a.Y+a.Height, b.Y+b.Height)

	if x2 <= x1 || y2 <= y1 {
		return 0 // No intersection
	}

	intersection := (x2 - x1) * (y2 - y1)
	union := a.Area() + b.Area() - intersection
	if union <= 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// suppressOverlaps drops faces that overlap a more confident face by at
// least threshold IoU. Survivors keep their input order.
func suppressOverlaps(faces []Face, threshold float64) []Face {
	if len(faces) < 2 {
		return faces
	}

	order := make([]int, len(faces))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return cmp.Compare(faces[b].Confidence, faces[a].Confidence)
	})

	keep := make([]bool, len(faces))
	var kept []int
	for _, i := range order {
		suppressed := false
		for _, k := range kept {
			if IoU(faces[i].Box, faces[k].Box) >= threshold {
				suppressed = true
				break
			}
		}
		if !suppressed {
			keep[i] = true
			kept = append(kept, i)
		}
	}

	out := faces[:0:0]
	for i, f := range faces {
		if keep[i] {
			out = append(out, f)
		}
	}
	return out
}
