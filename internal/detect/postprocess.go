package detect

import (
	"sort"

	"assetlens-go/internal/core/models"
)

// nmsEpsilon guards the IoU division against degenerate zero-area boxes.
const nmsEpsilon = 1e-6

// DecodeParams carries the thresholds and the letterbox geometry needed to
// turn a raw model output into detections in original-image pixel space.
type DecodeParams struct {
	ConfThreshold float64
	IoUThreshold  float64
	Scale         float64
	PadX          int
	PadY          int
	OrigW         int
	OrigH         int
}

// candidate is one decoded row that survived the confidence filter.
type candidate struct {
	box   [4]float64 // x1,y1,x2,y2 in model space
	conf  float64
	class int
}

// Postprocess decodes a raw model output tensor into final detections:
// layout normalization, per-row class selection, confidence filtering,
// greedy NMS, inverse letterbox mapping, clipping and label resolution.
// Unrecognized tensor layouts yield an empty result, not an error.
func Postprocess(data []float32, shape []int64, p DecodeParams) []models.Detection {
	rows, cols, transposed, ok := normalizeLayout(shape)
	if !ok || cols < 5 {
		return nil
	}
	// A misbehaving engine may report a shape its data does not back.
	if len(data) < rows*cols {
		return nil
	}

	// at reads element (i,j) of the normalized (rows x cols) view.
	at := func(i, j int) float64 {
		if transposed {
			return float64(data[j*rows+i])
		}
		return float64(data[i*cols+j])
	}

	candidates := decodeRows(rows, cols, at, p.ConfThreshold)
	if len(candidates) == 0 {
		return nil
	}

	kept := nms(candidates, p.IoUThreshold)

	detections := make([]models.Detection, 0, len(kept))
	for _, c := range kept {
		var bbox [4]float64
		for i, v := range c.box {
			// De-letterbox back into original image pixel space.
			pad := float64(p.PadX)
			limit := float64(p.OrigW)
			if i%2 == 1 {
				pad = float64(p.PadY)
				limit = float64(p.OrigH)
			}
			bbox[i] = clamp((v-pad)/p.Scale, 0, limit)
		}
		detections = append(detections, models.Detection{
			Label:      LabelForClass(c.class),
			Confidence: c.conf,
			BBox:       bbox,
		})
	}
	return detections
}

// normalizeLayout maps the common YOLO export shapes onto a 2D (rows x cols)
// view where cols = 4+C. Accepted layouts: batch-first 3D, channel-first 2D
// with channel count in {84,85}, row-first 2D, and a flat single row. Only
// leading batch dims are squeezed, so a single-candidate (1,1,84) output stays
// one row rather than collapsing to an unusable 1-D view.
func normalizeLayout(shape []int64) (rows, cols int, transposed, ok bool) {
	dims := make([]int, 0, len(shape))
	for _, d := range shape {
		dims = append(dims, int(d))
	}
	for len(dims) > 2 && dims[0] == 1 {
		dims = dims[1:]
	}

	switch len(dims) {
	case 1:
		return 1, dims[0], false, true
	case 2:
		rows, cols = dims[0], dims[1]
		if rows == 84 || rows == 85 {
			// Channel-first layout: flip to row-first.
			rows, cols = cols, rows
			transposed = true
		}
		return rows, cols, transposed, true
	default:
		return 0, 0, false, false
	}
}

// decodeRows selects the best class per row, filters by confidence and
// converts center-xywh boxes to corner-xyxy in model space.
func decodeRows(rows, cols int, at func(i, j int) float64, confThreshold float64) []candidate {
	var out []candidate
	for i := 0; i < rows; i++ {
		classID := 0
		best := at(i, 4)
		for j := 5; j < cols; j++ {
			if v := at(i, j); v > best {
				best = v
				classID = j - 4
			}
		}
		if best < confThreshold {
			continue
		}
		cx, cy := at(i, 0), at(i, 1)
		w, h := at(i, 2), at(i, 3)
		out = append(out, candidate{
			box:   [4]float64{cx - w/2, cy - h/2, cx + w/2, cy + h/2},
			conf:  best,
			class: classID,
		})
	}
	return out
}

// nms runs deterministic greedy non-maximum suppression: candidates are
// ordered by confidence descending (stable, so ties keep their original
// relative order) and every remaining box overlapping the just-kept box
// beyond the IoU threshold is discarded.
func nms(candidates []candidate, iouThreshold float64) []candidate {
	order := make([]candidate, len(candidates))
	copy(order, candidates)
	sort.SliceStable(order, func(i, j int) bool {
		return order[i].conf > order[j].conf
	})

	var kept []candidate
	for len(order) > 0 {
		top := order[0]
		kept = append(kept, top)
		rest := order[1:]
		order = order[:0]
		for _, c := range rest {
			if iou(top.box, c.box) <= iouThreshold {
				order = append(order, c)
			}
		}
	}
	return kept
}

// iou computes intersection-over-union of two xyxy boxes.
func iou(a, b [4]float64) float64 {
	x1 := maxf(a[0], b[0])
	y1 := maxf(a[1], b[1])
	x2 := minf(a[2], b[2])
	y2 := minf(a[3], b[3])

	inter := maxf(0, x2-x1) * maxf(0, y2-y1)
	areaA := (a[2] - a[0]) * (a[3] - a[1])
	areaB := (b[2] - b[0]) * (b[3] - b[1])
	union := areaA + areaB - inter + nmsEpsilon

	return inter / union
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
