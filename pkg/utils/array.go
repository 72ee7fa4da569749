package utils

// Iota generates a sequence of n elements given a generation function,
// the same construction pkg/obj/value and pkg/obj/opcode use to build
// their enum's ordered value/opcode table from totalKinds/totalOpCodes.
func Iota[T any](n int, gen func(int) T) []T {
	values := make([]T, n)

	for i := range values {
		values[i] = gen(i)
	}

	return values
}
