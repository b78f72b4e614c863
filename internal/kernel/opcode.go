package kernel

// Opcode is one kernel syscall, in the order listed by §6.2.
type Opcode int

const (
	OpCreateSrv Opcode = iota
	OpCreateMGate
	OpCreateSGate
	OpCreateRGate
	OpCreateSess
	OpCreateActivity
	OpCreateSem
	OpCreateMap
	OpAllocEP
	OpActivate
	OpDeriveMem
	OpDeriveKMem
	OpDeriveTile
	OpDeriveSrv
	OpGetSess
	OpExchange
	OpExchangeSess
	OpRevoke
	OpActivityCtrl
	OpActivityWait
	OpSemCtrl
	OpTileQuota
	OpKMemQuota
	OpMGateRegion
	OpTileSetQuota
	OpSetPMP
	OpResetStats
	OpNoop
)

func (o Opcode) String() string {
	switch o {
	case OpCreateSrv:
		return "CreateSrv"
	case OpCreateMGate:
		return "CreateMGate"
	case OpCreateSGate:
		return "CreateSGate"
	case OpCreateRGate:
		return "CreateRGate"
	case OpCreateSess:
		return "CreateSess"
	case OpCreateActivity:
		return "CreateActivity"
	case OpCreateSem:
		return "CreateSem"
	case OpCreateMap:
		return "CreateMap"
	case OpAllocEP:
		return "AllocEP"
	case OpActivate:
		return "Activate"
	case OpDeriveMem:
		return "DeriveMem"
	case OpDeriveKMem:
		return "DeriveKMem"
	case OpDeriveTile:
		return "DeriveTile"
	case OpDeriveSrv:
		return "DeriveSrv"
	case OpGetSess:
		return "GetSess"
	case OpExchange:
		return "Exchange"
	case OpExchangeSess:
		return "ExchangeSess"
	case OpRevoke:
		return "Revoke"
	case OpActivityCtrl:
		return "ActivityCtrl"
	case OpActivityWait:
		return "ActivityWait"
	case OpSemCtrl:
		return "SemCtrl"
	case OpTileQuota:
		return "TileQuota"
	case OpKMemQuota:
		return "KMemQuota"
	case OpMGateRegion:
		return "MGateRegion"
	case OpTileSetQuota:
		return "TileSetQuota"
	case OpSetPMP:
		return "SetPMP"
	case OpResetStats:
		return "ResetStats"
	case OpNoop:
		return "Noop"
	}
	return "unknown"
}

// ActivityCtrlOp is the ActivityCtrl sub-opcode (§6.2).
type ActivityCtrlOp int

const (
	ActivityInit ActivityCtrlOp = iota
	ActivityStart
	ActivityStop
)

// SemCtrlOp is the SemCtrl sub-opcode (§6.2).
type SemCtrlOp int

const (
	SemUp SemCtrlOp = iota
	SemDown
)
