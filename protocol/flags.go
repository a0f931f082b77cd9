package protocol

// Flags is the capability bit set exchanged during the handshake.
type Flags uint64

const (
	FlagPublished          Flags = 0x1
	FlagAtomCache          Flags = 0x2
	FlagExtendedReferences Flags = 0x4
	FlagDistMonitor        Flags = 0x8
	FlagFunTags            Flags = 0x10
	FlagDistMonitorName    Flags = 0x20
	FlagHiddenAtomCache    Flags = 0x40
	FlagNewFunTags         Flags = 0x80
	FlagExtendedPidsPorts  Flags = 0x100
	FlagExportPtrTag       Flags = 0x200
	FlagBitBinaries        Flags = 0x400
	FlagNewFloats          Flags = 0x800
	FlagUnicodeIO          Flags = 0x1000
	FlagDistHdrAtomCache   Flags = 0x2000
	FlagSmallAtomTags      Flags = 0x4000
	FlagUTF8Atoms          Flags = 0x10000
	FlagMapTag             Flags = 0x20000
	FlagBigCreation        Flags = 0x40000
	FlagSendSender         Flags = 0x80000
	FlagBigSeqTraceLabels  Flags = 0x100000
	FlagExitPayload        Flags = 0x400000
	FlagFragments          Flags = 0x800000
	FlagHandshake23        Flags = 0x1000000
	FlagUnlinkID           Flags = 0x2000000
	FlagSpawn              Flags = 1 << 32
	FlagNameMe             Flags = 1 << 33
	FlagV4NC               Flags = 1 << 34
	FlagAlias              Flags = 1 << 35
	FlagMandatory25Digest  Flags = 1 << 36
)

// DefaultFlags is what a hidden node without atom cache or fragmentation
// advertises. It covers the flags current runtimes make mandatory.
const DefaultFlags = FlagExtendedReferences | FlagFunTags | FlagNewFunTags |
	FlagExtendedPidsPorts | FlagExportPtrTag | FlagBitBinaries | FlagNewFloats |
	FlagUnicodeIO | FlagSmallAtomTags | FlagUTF8Atoms | FlagMapTag |
	FlagBigCreation | FlagHandshake23 | FlagUnlinkID | FlagV4NC | FlagMandatory25Digest

func (f Flags) Has(flag Flags) bool {
	return f&flag == flag
}
