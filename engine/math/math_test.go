package math

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAlignUp(t *testing.T) {
	assert.Equal(t, uint64(0), AlignUp(uint64(0), 256))
	assert.Equal(t, uint64(256), AlignUp(uint64(1), 256))
	assert.Equal(t, uint64(256), AlignUp(uint64(256), 256))
	assert.Equal(t, uint64(512), AlignUp(uint64(257), 256))
	assert.Equal(t, uint32(17), AlignUp(uint32(17), 0))
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 3, Clamp(7, 1, 3))
	assert.Equal(t, 1, Clamp(-2, 1, 3))
	assert.Equal(t, float32(2.5), Clamp(float32(2.5), 1, 3))
}

func TestExtentsFromPoints(t *testing.T) {
	e := NewExtents3DFromPoints([]Vec3{{0, 0, 0}, {1, -1, 2}, {-3, 4, 1}})
	assert.True(t, e.IsValid())
	assert.Equal(t, Vec3{-3, -1, 0}, e.Min)
	assert.Equal(t, Vec3{1, 4, 2}, e.Max)

	assert.False(t, NewExtents3DFromPoints(nil).IsValid())
}

func TestMat4Rows3x4(t *testing.T) {
	rows := NewMat4Translation(NewVec3(1, 2, 3)).Rows3x4()
	assert.Equal(t, [12]float32{
		1, 0, 0, 1,
		0, 1, 0, 2,
		0, 0, 1, 3,
	}, rows)

	id := NewMat4Identity()
	assert.Equal(t, id, id.Mul(id))
}
