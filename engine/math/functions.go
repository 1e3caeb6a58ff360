package math

import m "math"

func NewVec3(x, y, z float32) Vec3 {
	return Vec3{X: x, Y: y, Z: z}
}

func (v Vec3) Min(other Vec3) Vec3 {
	return Vec3{
		X: float32(m.Min(float64(v.X), float64(other.X))),
		Y: float32(m.Min(float64(v.Y), float64(other.Y))),
		Z: float32(m.Min(float64(v.Z), float64(other.Z))),
	}
}

func (v Vec3) Max(other Vec3) Vec3 {
	return Vec3{
		X: float32(m.Max(float64(v.X), float64(other.X))),
		Y: float32(m.Max(float64(v.Y), float64(other.Y))),
		Z: float32(m.Max(float64(v.Z), float64(other.Z))),
	}
}

// NewExtents3DFromPoints returns the tightest box enclosing points. An empty
// input yields an inverted box that IsValid reports as invalid.
func NewExtents3DFromPoints(points []Vec3) Extents3D {
	inf := float32(m.Inf(1))
	out := Extents3D{
		Min: Vec3{inf, inf, inf},
		Max: Vec3{-inf, -inf, -inf},
	}
	for _, p := range points {
		out.Min = out.Min.Min(p)
		out.Max = out.Max.Max(p)
	}
	return out
}

func (e Extents3D) IsValid() bool {
	return e.Min.X <= e.Max.X && e.Min.Y <= e.Max.Y && e.Min.Z <= e.Max.Z
}

func (e Extents3D) Union(other Extents3D) Extents3D {
	return Extents3D{Min: e.Min.Min(other.Min), Max: e.Max.Max(other.Max)}
}

/**
 * @brief Creates and returns an identity matrix.
 */
func NewMat4Identity() Mat4 {
	out_matrix := Mat4{}
	out_matrix.Data[0] = 1.0
	out_matrix.Data[5] = 1.0
	out_matrix.Data[10] = 1.0
	out_matrix.Data[15] = 1.0
	return out_matrix
}

/**
 * @brief Creates and returns a translation matrix from the given position.
 */
func NewMat4Translation(position Vec3) Mat4 {
	out_matrix := NewMat4Identity()
	out_matrix.Data[12] = position.X
	out_matrix.Data[13] = position.Y
	out_matrix.Data[14] = position.Z
	return out_matrix
}

/**
 * @brief Returns the result of multiplying mt and other.
 */
func (mt Mat4) Mul(other Mat4) Mat4 {
	out_matrix := Mat4{}
	for row := 0; row < 4; row++ {
		for col := 0; col < 4; col++ {
			sum := float32(0)
			for i := 0; i < 4; i++ {
				sum += mt.Data[row*4+i] * other.Data[i*4+col]
			}
			out_matrix.Data[row*4+col] = sum
		}
	}
	return out_matrix
}

// Rows3x4 returns the affine part of the matrix as three rows of four
// floats, the layout acceleration-structure instance records expect
// (translation in the last column).
func (mt Mat4) Rows3x4() [12]float32 {
	var out [12]float32
	for r := 0; r < 3; r++ {
		for c := 0; c < 4; c++ {
			out[r*4+c] = mt.Data[c*4+r]
		}
	}
	return out
}
