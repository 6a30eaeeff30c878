package tensor

// DataType enumerates the element types the runtime moves around.
type DataType uint8

const (
	DataTypeUnknown DataType = iota
	Int32
	Float32
)

// Size returns the width of one element in bytes.
func (d DataType) Size() int {
	switch d {
	case Int32, Float32:
		return 4
	default:
		return 0
	}
}

func (d DataType) String() string {
	switch d {
	case Int32:
		return "int32"
	case Float32:
		return "fp32"
	default:
		return "unknown"
	}
}
