package ekf

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMat3MulIdentity(t *testing.T) {
	m := Mat3{{1, 2, 3}, {4, 5, 6}, {7, 8, 10}}
	assert.Equal(t, m, m.Mul(Identity()))
	assert.Equal(t, m, Identity().Mul(m))
}

func TestMat3MulVec(t *testing.T) {
	m := Diag(2, 3, 4)
	v := m.MulVec(Vec3{1, 1, 1})
	assert.Equal(t, Vec3{2, 3, 4}, v)
}

func TestSymmetrize(t *testing.T) {
	m := Mat3{{1, 2, 0}, {4, 1, 0}, {0, 0, 1}}.Symmetrize()
	assert.Equal(t, 3.0, m[0][1])
	assert.Equal(t, 3.0, m[1][0])
}

func TestIsPositiveDefinite(t *testing.T) {
	assert.True(t, Diag(1, 1, 1).IsPositiveDefinite())
	assert.True(t, Diag(1e-9, 2, 3).IsPositiveDefinite())
	assert.False(t, Diag(-1, 1, 1).IsPositiveDefinite())

	nan := Diag(1, 1, 1)
	nan[2][2] = math.NaN()
	assert.False(t, nan.IsPositiveDefinite())
}

func TestOuter(t *testing.T) {
	o := Outer(Vec3{1, 2, 3}, Vec3{4, 5, 6})
	assert.Equal(t, 4.0, o[0][0])
	assert.Equal(t, 12.0, o[2][0])
	assert.Equal(t, 18.0, o[2][2])
}
