package detector

// anchor is an SSD prior box in normalized tensor coordinates.
type anchor struct {
	xCenter float64
	yCenter float64
	width   float64
	height  float64
}

// anchorOptions mirror the SSD prior layout the pose detector was trained with.
type anchorOptions struct {
	inputSize int
	strides   []int
	offset    float64
	// anchorsPerLayer counts priors emitted per cell per layer: one per
	// aspect ratio plus the interpolated-scale prior.
	anchorsPerLayer int
}

var poseAnchorOptions = anchorOptions{
	inputSize:       InputSize,
	strides:         []int{8, 16, 32, 32, 32},
	offset:          0.5,
	anchorsPerLayer: 2,
}

// generateAnchors builds the prior boxes.
//
// Consecutive layers sharing a stride share a feature map: their priors are
// emitted together, per cell. Anchor size is fixed to 1 (regressors already
// encode absolute size), so only centers vary.
//
// For the pose layout: 28²·2 + 14²·2 + 7²·6 = 2254.
func generateAnchors(opts anchorOptions) []anchor {
	var anchors []anchor
	for layer := 0; layer < len(opts.strides); {
		stride := opts.strides[layer]

		last := layer
		for last < len(opts.strides) && opts.strides[last] == stride {
			last++
		}
		perCell := (last - layer) * opts.anchorsPerLayer

		fm := (opts.inputSize + stride - 1) / stride
		for y := 0; y < fm; y++ {
			for x := 0; x < fm; x++ {
				cx := (float64(x) + opts.offset) / float64(fm)
				cy := (float64(y) + opts.offset) / float64(fm)
				for i := 0; i < perCell; i++ {
					anchors = append(anchors, anchor{xCenter: cx, yCenter: cy, width: 1, height: 1})
				}
			}
		}
		layer = last
	}
	return anchors
}
