package packet

import (
	"fmt"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/cellview/server/internal/cell"
	"github.com/cellview/server/internal/geom"
	"github.com/cellview/server/internal/master"
)

var kindOpcodes = map[master.Kind]byte{
	master.KindCreate:        S_OPCODE_CREATE,
	master.KindUnload:        S_OPCODE_UNLOAD,
	master.KindDelete:        S_OPCODE_DELETE,
	master.KindSetRoot:       S_OPCODE_SET_ROOT,
	master.KindReparent:      S_OPCODE_REPARENT,
	master.KindMove:          S_OPCODE_MOVE,
	master.KindContentUpdate: S_OPCODE_CONTENT_UPDATE,
}

// EncodeNotification serialises n into a server packet. Only the fields
// meaningful for n.Kind are written.
func EncodeNotification(n master.Notification) ([]byte, error) {
	op, ok := kindOpcodes[n.Kind]
	if !ok {
		return nil, fmt.Errorf("encode notification: unknown kind %d", n.Kind)
	}
	w := NewWriterWithOpcode(op)
	w.WriteQ(uint64(n.CellID))
	switch n.Kind {
	case master.KindCreate, master.KindContentUpdate:
		w.WriteQ(uint64(n.ParentID))
		w.WriteS(n.ClassName)
		w.WriteS(n.Channel)
		WriteVolume(w, n.Bounds)
		WriteTransform(w, n.Transform)
		w.WriteBlob(n.Setup)
	case master.KindReparent:
		w.WriteQ(uint64(n.ParentID))
	case master.KindMove:
		WriteVolume(w, n.Bounds)
		WriteTransform(w, n.Transform)
	}
	return w.Bytes(), nil
}

// DecodeNotification is the inverse of EncodeNotification.
func DecodeNotification(data []byte) (master.Notification, error) {
	r := NewReader(data)
	var n master.Notification
	for k, op := range kindOpcodes {
		if op == r.Opcode() {
			n.Kind = k
			break
		}
	}
	if n.Kind == 0 {
		return n, fmt.Errorf("decode notification: unknown opcode 0x%02X", r.Opcode())
	}
	n.CellID = cell.ID(r.ReadQ())
	switch n.Kind {
	case master.KindCreate, master.KindContentUpdate:
		n.ParentID = cell.ID(r.ReadQ())
		n.ClassName = r.ReadS()
		n.Channel = r.ReadS()
		n.Bounds = ReadVolume(r)
		n.Transform = ReadTransform(r)
		n.Setup = r.ReadBlob()
	case master.KindReparent:
		n.ParentID = cell.ID(r.ReadQ())
	case master.KindMove:
		n.Bounds = ReadVolume(r)
		n.Transform = ReadTransform(r)
	}
	if r.Short() {
		return n, fmt.Errorf("decode %s: truncated packet", n.Kind)
	}
	return n, nil
}

func writeVec(w *Writer, v mgl64.Vec3) {
	w.WriteF(v[0])
	w.WriteF(v[1])
	w.WriteF(v[2])
}

func readVec(r *Reader) mgl64.Vec3 {
	return mgl64.Vec3{r.ReadF(), r.ReadF(), r.ReadF()}
}

// WriteTransform writes translation, rotation (w, x, y, z) and scale.
func WriteTransform(w *Writer, t geom.Transform) {
	writeVec(w, t.Translation)
	w.WriteF(t.Rotation.W)
	writeVec(w, t.Rotation.V)
	writeVec(w, t.Scale)
}

func ReadTransform(r *Reader) geom.Transform {
	t := geom.Transform{Translation: readVec(r)}
	t.Rotation.W = r.ReadF()
	t.Rotation.V = readVec(r)
	t.Scale = readVec(r)
	return t
}

func WriteVolume(w *Writer, v geom.Volume) {
	w.WriteC(byte(v.Kind))
	writeVec(w, v.Center)
	switch v.Kind {
	case geom.KindSphere:
		w.WriteF(v.Radius)
	default:
		writeVec(w, v.Extent)
	}
}

func ReadVolume(r *Reader) geom.Volume {
	v := geom.Volume{Kind: geom.Kind(r.ReadC())}
	v.Center = readVec(r)
	switch v.Kind {
	case geom.KindSphere:
		v.Radius = r.ReadF()
	default:
		v.Extent = readVec(r)
	}
	return v
}
