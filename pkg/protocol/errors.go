package protocol

// Negative response codes, fixed per spec.md §4.5/§7. Values follow the
// ASAM XCP ERR_ numbering the distillation's table names.
const (
	ErrCmdUnknown     byte = 0x20
	ErrCmdBusy        byte = 0x10
	ErrDAQActive      byte = 0x11
	ErrOutOfRange     byte = 0x22
	ErrWriteProtected byte = 0x23
	ErrAccessDenied   byte = 0x24
	ErrMemoryOverflow byte = 0x30
	ErrGeneric        byte = 0x31
)

// PositiveResponsePID and NegativeResponsePID mark every command
// response (spec.md §4.5: "PID=0xFF ... PID=0xFE").
const (
	PositiveResponsePID byte = 0xFF
	NegativeResponsePID byte = 0xFE
)

// Request PIDs, spec.md §4.5 table plus the DAQ cluster added in the
// expanded spec (SPEC_FULL.md §4.5).
const (
	CmdConnect          byte = 0xFF
	CmdDisconnect       byte = 0xFE
	CmdGetStatus        byte = 0xFD
	CmdSynch            byte = 0xFC
	CmdGetCommModeInfo  byte = 0xFA
	CmdGetID            byte = 0xF8
	CmdSetMTA           byte = 0xF6
	CmdUpload           byte = 0xF5
	CmdShortUpload      byte = 0xF4
	CmdDownload         byte = 0xF0
	CmdSetCalPage       byte = 0xEB
	CmdGetCalPage       byte = 0xEA
	CmdSetDAQPtr        byte = 0xE2
	CmdWriteDAQ         byte = 0xE1
	CmdSetDAQListMode   byte = 0xE0
	CmdStartStopDAQList byte = 0xDE
	CmdStartStopSynch   byte = 0xDD
	CmdGetDAQProcInfo   byte = 0xDA
	CmdAllocDAQ         byte = 0xD9
	CmdAllocODT         byte = 0xD8
	CmdAllocODTEntry    byte = 0xD7
)
