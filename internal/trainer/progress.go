package trainer

// BatchesPerEpoch is (trainSize+1)/batchSize. The +1 lets a final partial
// batch count as a full one for sizes one short of a multiple.
func BatchesPerEpoch(trainSize, batchSize int) int64 {
	if batchSize <= 0 {
		return 0
	}
	return int64(trainSize+1) / int64(batchSize)
}

// TrainedEpochs is the number of whole epochs a restored step counter
// represents, floor((steps - offset) / batchesPerEpoch).
func TrainedEpochs(steps, offset, batchesPerEpoch int64) int64 {
	return floorDiv(steps-offset, batchesPerEpoch)
}

// BatchRange returns the half-open range of batch indices for running
// epochs more epochs after trainedEpochs: [(1+E)*nb, (1+E+epochs)*nb).
func BatchRange(trainedEpochs int64, epochs int, batchesPerEpoch int64) (first, end int64) {
	first = (1 + trainedEpochs) * batchesPerEpoch
	end = (1 + trainedEpochs + int64(epochs)) * batchesPerEpoch
	return first, end
}

// ShouldValidate reports whether a validation pass follows the training
// step that produced step.
func ShouldValidate(step, trainedSteps int64, valFrequency int) bool {
	return floorMod(step-trainedSteps, int64(valFrequency)) == 0
}

// ValidationStep numbers the i-th (1-based) validation batch of a pass
// triggered at step so that the pass covers steps step-V+1 through step.
func ValidationStep(step int64, valFrequency, i int) int64 {
	return step - int64(valFrequency) + int64(i)
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func floorMod(a, b int64) int64 {
	m := a % b
	if m != 0 && ((m < 0) != (b < 0)) {
		m += b
	}
	return m
}
