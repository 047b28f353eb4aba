package eventer

import (
	"slices"
)

// p2Estimator is a streaming quantile estimator, using the P² algorithm
// (Jain and Chlamtac, 1985). It keeps five markers, so memory and update
// cost are constant. Not safe for concurrent use.
type p2Estimator struct {
	height  [5]float64 // marker heights
	pos     [5]float64 // actual marker positions, 1-based
	want    [5]float64 // desired marker positions
	step    [5]float64 // desired position increments
	p       float64
	samples int
}

func newP2Estimator(p float64) *p2Estimator {
	p = min(max(p, 0), 1)
	return &p2Estimator{
		p:    p,
		step: [5]float64{0, p / 2, p, (1 + p) / 2, 1},
	}
}

func (x *p2Estimator) observe(v float64) {
	if x.samples < 5 {
		x.height[x.samples] = v
		x.samples++
		if x.samples == 5 {
			slices.Sort(x.height[:])
			for i := range x.pos {
				x.pos[i] = float64(i + 1)
			}
			x.want = [5]float64{1, 1 + 2*x.p, 1 + 4*x.p, 3 + 2*x.p, 5}
		}
		return
	}
	x.samples++

	var k int
	switch {
	case v < x.height[0]:
		x.height[0] = v
	case v >= x.height[4]:
		x.height[4] = v
		k = 3
	default:
		for k = 0; k < 3 && v >= x.height[k+1]; k++ {
		}
	}
	for i := k + 1; i < 5; i++ {
		x.pos[i]++
	}
	for i := range x.want {
		x.want[i] += x.step[i]
	}

	for i := 1; i < 4; i++ {
		d := x.want[i] - x.pos[i]
		if (d >= 1 && x.pos[i+1]-x.pos[i] > 1) || (d <= -1 && x.pos[i-1]-x.pos[i] < -1) {
			s := 1.0
			if d < 0 {
				s = -1
			}
			h := x.parabolic(i, s)
			if h <= x.height[i-1] || h >= x.height[i+1] {
				h = x.linear(i, s)
			}
			x.height[i] = h
			x.pos[i] += s
		}
	}
}

func (x *p2Estimator) parabolic(i int, s float64) float64 {
	n, q := &x.pos, &x.height
	return q[i] + s/(n[i+1]-n[i-1])*
		((n[i]-n[i-1]+s)*(q[i+1]-q[i])/(n[i+1]-n[i])+
			(n[i+1]-n[i]-s)*(q[i]-q[i-1])/(n[i]-n[i-1]))
}

func (x *p2Estimator) linear(i int, s float64) float64 {
	j := i + int(s)
	return x.height[i] + s*(x.height[j]-x.height[i])/(x.pos[j]-x.pos[i])
}

// value returns the current estimate. With fewer than five samples it is
// the nearest-rank quantile of what has been seen.
func (x *p2Estimator) value() float64 {
	switch {
	case x.samples == 0:
		return 0
	case x.samples < 5:
		seen := slices.Clone(x.height[:x.samples])
		slices.Sort(seen)
		return seen[int(float64(len(seen)-1)*x.p)]
	default:
		return x.height[2]
	}
}
