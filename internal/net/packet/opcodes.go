package packet

// Client opcodes.
const (
	C_OPCODE_HELLO  byte = 0x01 // name, transform
	C_OPCODE_MOVE   byte = 0x02 // transform
	C_OPCODE_LOGOUT byte = 0x03
	C_OPCODE_PING   byte = 0x04 // nonce
)

// Server opcodes. The notification opcodes follow master.Kind order.
const (
	S_OPCODE_WELCOME        byte = 0x80 // session id, avatar cell id
	S_OPCODE_REJECT         byte = 0x81 // reason
	S_OPCODE_PONG           byte = 0x82 // nonce
	S_OPCODE_CREATE         byte = 0x90
	S_OPCODE_UNLOAD         byte = 0x91
	S_OPCODE_DELETE         byte = 0x92
	S_OPCODE_SET_ROOT       byte = 0x93
	S_OPCODE_REPARENT       byte = 0x94
	S_OPCODE_MOVE           byte = 0x95
	S_OPCODE_CONTENT_UPDATE byte = 0x96
)
