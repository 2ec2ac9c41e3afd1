package domain

import "fmt"

// Money is an amount in currency minor units (cents).
type Money int64

func (m Money) Mul(quantity int) Money {
	return m * Money(quantity)
}

func (m Money) String() string {
	sign := ""
	v := int64(m)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}
