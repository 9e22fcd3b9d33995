package kernels

// ExpFast is a fast approximation of exp(x) built on exp(x) = 2^(x*log2(e))
// and a cubic for the fractional power.
func ExpFast(x float64) float64 {
	if x > 88 {
		return 1e38
	}
	if x < -88 {
		return 0
	}

	const log2e = 1.4426950408889634
	t := x * log2e
	k := int(t)
	if t < 0 {
		k--
	}

	// 2^f for f in [0, 1)
	f := t - float64(k)
	p := 1.0 + f*(0.6931471805599453+f*(0.24022650695910072+f*0.05550410866482157))

	if k >= 0 {
		return p * float64(uint64(1)<<k)
	}
	return p / float64(uint64(1)<<(-k))
}

// TanhFast is a Padé approximation of tanh(x), saturating beyond |x| > 4.
func TanhFast(x float64) float64 {
	if x > 4 {
		return 1
	}
	if x < -4 {
		return -1
	}
	x2 := x * x
	return x * (27.0 + x2) / (27.0 + 9.0*x2)
}

// GeluFast is the tanh form of GELU.
func GeluFast(x float64) float64 {
	const (
		sqrt2overPi = 0.7978845608
		coeff       = 0.044715
	)
	return 0.5 * x * (1 + TanhFast(sqrt2overPi*(x+coeff*x*x*x)))
}

// SigmoidFast is 1/(1+exp(-x)) using ExpFast.
func SigmoidFast(x float64) float64 {
	return 1 / (1 + ExpFast(-x))
}
