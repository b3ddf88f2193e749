package audio

// Resample performs linear interpolation resampling between arbitrary sample
// rates. Equal rates return the input unchanged. The method is deterministic:
// a given input always produces the same output.
func Resample(input []int16, inputRate, outputRate int) []int16 {
	if inputRate == outputRate || len(input) == 0 {
		return input
	}

	ratio := float64(outputRate) / float64(inputRate)
	outputLen := len(input) * outputRate / inputRate
	output := make([]int16, outputLen)

	for i := 0; i < outputLen; i++ {
		srcPos := float64(i) / ratio
		srcIdx := int(srcPos)

		// Clamp the boundary sample to the last valid index
		if srcIdx >= len(input)-1 {
			output[i] = input[len(input)-1]
			continue
		}

		frac := srcPos - float64(srcIdx)
		sample1 := float64(input[srcIdx])
		sample2 := float64(input[srcIdx+1])
		output[i] = int16(sample1 + (sample2-sample1)*frac)
	}

	return output
}
