//go:build !linux

package ring

func allocate(size, alignment int) ([]byte, func() error, error) {
	mem := make([]byte, size+alignment)
	return alignSlice(mem, size, alignment), nil, nil
}
