package ekf

import "math"

// Vec3 and Mat3 are the fixed-size linear algebra carried by the filter.
// The state is only three-dimensional, so plain arrays keep the covariance
// arithmetic allocation-free and easy to audit for numerical trouble.
type Vec3 [3]float64

type Mat3 [3][3]float64

// Identity returns the 3x3 identity matrix.
func Identity() Mat3 {
	return Mat3{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
}

// Diag returns a diagonal matrix from the three values.
func Diag(a, b, c float64) Mat3 {
	return Mat3{{a, 0, 0}, {0, b, 0}, {0, 0, c}}
}

// Add returns m + n.
func (m Mat3) Add(n Mat3) Mat3 {
	var out Mat3
	for i := range m {
		for j := range m[i] {
			out[i][j] = m[i][j] + n[i][j]
		}
	}
	return out
}

// Mul returns the matrix product m * n.
func (m Mat3) Mul(n Mat3) Mat3 {
	var out Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			for k := 0; k < 3; k++ {
				out[i][j] += m[i][k] * n[k][j]
			}
		}
	}
	return out
}

// MulVec returns m * v.
func (m Mat3) MulVec(v Vec3) Vec3 {
	var out Vec3
	for i := 0; i < 3; i++ {
		for k := 0; k < 3; k++ {
			out[i] += m[i][k] * v[k]
		}
	}
	return out
}

// Scale returns m with every element multiplied by s.
func (m Mat3) Scale(s float64) Mat3 {
	var out Mat3
	for i := range m {
		for j := range m[i] {
			out[i][j] = m[i][j] * s
		}
	}
	return out
}

// Symmetrize averages m with its transpose. The covariance update leaves
// tiny asymmetries behind; folding them back keeps the PSD check honest.
func (m Mat3) Symmetrize() Mat3 {
	var out Mat3
	for i := range m {
		for j := range m[i] {
			out[i][j] = (m[i][j] + m[j][i]) / 2
		}
	}
	return out
}

// Outer returns the outer product a * b^T.
func Outer(a, b Vec3) Mat3 {
	var out Mat3
	for i := range a {
		for j := range b {
			out[i][j] = a[i] * b[j]
		}
	}
	return out
}

// Det returns the determinant of m.
func (m Mat3) Det() float64 {
	return m[0][0]*(m[1][1]*m[2][2]-m[1][2]*m[2][1]) -
		m[0][1]*(m[1][0]*m[2][2]-m[1][2]*m[2][0]) +
		m[0][2]*(m[1][0]*m[2][1]-m[1][1]*m[2][0])
}

// IsPositiveDefinite checks the leading principal minors (Sylvester's
// criterion) and rejects non-finite entries.
func (m Mat3) IsPositiveDefinite() bool {
	for i := range m {
		for j := range m[i] {
			if math.IsNaN(m[i][j]) || math.IsInf(m[i][j], 0) {
				return false
			}
		}
	}
	if m[0][0] <= 0 {
		return false
	}
	if m[0][0]*m[1][1]-m[0][1]*m[1][0] <= 0 {
		return false
	}
	return m.Det() > 0
}

// IsFinite reports whether every element of v is a finite number.
func (v Vec3) IsFinite() bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
