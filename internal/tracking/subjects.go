package tracking

import (
	"fmt"
	"sort"
)

// IoU calculates Intersection over Union between two [left, top, right, bottom] boxes.
func IoU(a, b [4]int) float64 {
	x1 := max(a[0], b[0])
	y1 := max(a[1], b[1])
	x2 := min(a[2], b[2])
	y2 := min(a[3], b[3])
	if x2 <= x1 || y2 <= y1 {
		return 0
	}

	inter := float64((x2 - x1) * (y2 - y1))
	areaA := float64((a[2] - a[0]) * (a[3] - a[1]))
	areaB := float64((b[2] - b[0]) * (b[3] - b[1]))
	union := areaA + areaB - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

type boxTrack struct {
	subject   string
	box       [4]int
	lastFrame int
}

// Assigner gives each face in a video a subject key that persists across
// frames while its bounding box keeps overlapping the previous one.
type Assigner struct {
	prefix string
	minIoU float64
	maxGap int // frames a box may be missing before its subject is retired
	next   int
	tracks []*boxTrack
}

// NewAssigner creates an Assigner whose subjects are named <prefix>/<n>.
func NewAssigner(prefix string, minIoU float64, maxGap int) *Assigner {
	return &Assigner{prefix: prefix, minIoU: minIoU, maxGap: maxGap}
}

// Assign maps the boxes detected in frame to subject keys. Pairs are
// matched greedily, highest overlap first. Boxes that overlap nothing start
// a new subject.
func (a *Assigner) Assign(frame int, boxes [][4]int) []string {
	// Retire tracks that have not been seen for too long
	live := a.tracks[:0]
	for _, t := range a.tracks {
		if frame-t.lastFrame <= a.maxGap {
			live = append(live, t)
		}
	}
	a.tracks = live

	type pair struct {
		box, track int
		iou        float64
	}
	var pairs []pair
	for i, b := range boxes {
		for j, t := range a.tracks {
			if v := IoU(b, t.box); v >= a.minIoU {
				pairs = append(pairs, pair{i, j, v})
			}
		}
	}
	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].iou > pairs[j].iou })

	out := make([]string, len(boxes))
	usedTrack := make([]bool, len(a.tracks))
	for _, p := range pairs {
		if out[p.box] != "" || usedTrack[p.track] {
			continue
		}
		t := a.tracks[p.track]
		t.box = boxes[p.box]
		t.lastFrame = frame
		out[p.box] = t.subject
		usedTrack[p.track] = true
	}

	for i, b := range boxes {
		if out[i] != "" {
			continue
		}
		a.next++
		t := &boxTrack{subject: fmt.Sprintf("%s/%d", a.prefix, a.next), box: b, lastFrame: frame}
		a.tracks = append(a.tracks, t)
		out[i] = t.subject
	}
	return out
}
