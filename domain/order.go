package domain

// Midpoint returns the rank for a sibling inserted between two
// neighbours. Averaging keeps the total order dense enough that siblings
// never need renumbering.
func Midpoint(prev, next float64) float64 {
	return (prev + next) / 2
}

// TailOrder returns the rank for a sibling appended after the current
// last one. An empty sibling set starts at 1.
func TailOrder(orders []float64) float64 {
	if len(orders) == 0 {
		return 1
	}
	max := orders[0]
	for _, o := range orders[1:] {
		if o > max {
			max = o
		}
	}
	return max + 1
}
