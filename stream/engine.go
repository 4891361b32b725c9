package stream

import "fmt"

// TaskKind tags a read request for the engine's scheduling.
type TaskKind uint8

const (
	TaskGeneral TaskKind = iota
	TaskShader
	TaskTexture
)

func (k TaskKind) String() string {
	switch k {
	case TaskGeneral:
		return "general"
	case TaskShader:
		return "shader"
	case TaskTexture:
		return "texture"
	default:
		return fmt.Sprintf("task(%d)", uint8(k))
	}
}

// Ticket identifies a started read.
type Ticket uint64

// Params describes the byte range to read. Buffer, when non-nil and large
// enough, receives the data.
type Params struct {
	Offset int64
	Size   int
	Buffer []byte
}

// Callback receives the result of a read. It may run on any goroutine,
// including the caller of StartRead before StartRead returns.
type Callback func(t Ticket, data []byte, err error)

// Engine starts asynchronous reads.
type Engine interface {
	StartRead(kind TaskKind, path string, cb Callback, p Params) (Ticket, error)
}
