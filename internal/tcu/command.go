package tcu

// PrivOpcode is a privileged command-register opcode (§6.1).
type PrivOpcode uint8

const (
	PrivIdle PrivOpcode = iota
	PrivInvPage
	PrivInvTLB
	PrivInsTLB
	PrivXchgAct
	PrivSetTimer
	PrivAbortCmd
)

// UnprivOpcode is an unprivileged command-register opcode.
type UnprivOpcode uint8

const (
	UnprivIdle UnprivOpcode = iota
	UnprivSend
	UnprivReply
	UnprivRead
	UnprivWrite
	UnprivFetchMsg
	UnprivAckMsg
)

// PrivCommand mirrors the packed opcode:4 | arg:>=9 privileged command
// register; arg's interpretation depends on Opcode (e.g. for InsTLB it
// packs asid/virt/phys/flags, supplied out of band here as a struct
// rather than literally bit-packed, since this is a host simulation, not
// real MMIO).
type PrivCommand struct {
	Opcode PrivOpcode
	Arg    uint64
}

// UnprivCommand mirrors opcode:4 | ep:16 | arg:23.
type UnprivCommand struct {
	Opcode UnprivOpcode
	EP     uint32
	Arg    uint32
}

// ActivityReg is the activity register exchanged by XchgAct: the low 16
// bits are the activity id, the high bits are a pending-message count.
type ActivityReg struct {
	ActivityID uint16
	MsgCount   uint32
}

func (a ActivityReg) pack() uint64 {
	return uint64(a.ActivityID) | uint64(a.MsgCount)<<16
}

func unpackActivityReg(v uint64) ActivityReg {
	return ActivityReg{
		ActivityID: uint16(v & 0xffff),
		MsgCount:   uint32(v >> 16),
	}
}
