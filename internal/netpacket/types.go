// Package netpacket implements the typed request/response packet
// catalogue and client-side operation queue described in spec.md
// §4.7, built on top of internal/netproto's framed transport. Packet
// type constants and wire shapes are carried from
// original_source/lib/netpacket/netpacket.h and
// netpacket_{register,transaction,hmac}.c.
package netpacket

// Packet type constants, matching original_source/lib/netpacket/netpacket.h
// exactly (including the request/response pairing convention: a
// response type is its request type with the high bit set).
const (
	RegisterRequest    uint8 = 0x00
	RegisterChallenge  uint8 = 0x80
	RegisterChaResponse uint8 = 0x01
	RegisterResponse   uint8 = 0x81

	TransactionGetNonce         uint8 = 0x10
	TransactionGetNonceResponse uint8 = 0x90
	TransactionStart            uint8 = 0x11
	TransactionStartResponse    uint8 = 0x91
	TransactionCommit           uint8 = 0x12
	TransactionCommitResponse   uint8 = 0x92
	TransactionCheckpoint           uint8 = 0x13
	TransactionCheckpointResponse   uint8 = 0x93
	TransactionCancel           uint8 = 0x14
	TransactionCancelResponse   uint8 = 0x94
	TransactionTryCommit            uint8 = 0x15
	TransactionTryCommitResponse    uint8 = 0x95
	TransactionIsCheckpointed           uint8 = 0x16
	TransactionIsCheckpointedResponse   uint8 = 0x96

	WriteFExist         uint8 = 0x20
	WriteFExistResponse uint8 = 0xa0
	WriteFile           uint8 = 0x21
	WriteFileResponse   uint8 = 0xa1

	DeleteFile         uint8 = 0x30
	DeleteFileResponse uint8 = 0xb0

	ReadFile         uint8 = 0x40
	ReadFileResponse uint8 = 0xc0

	Directory         uint8 = 0x50
	DirectoryD        uint8 = 0x51
	DirectoryResponse uint8 = 0xd0
)

// DirectoryResponseMaxFiles bounds one DIRECTORY_RESPONSE page,
// matching NETPACKET_DIRECTORY_RESPONSE_MAXFILES.
const DirectoryResponseMaxFiles = 8000

// Class identifies the remote namespace a file belongs to (spec.md
// §3 "Remote file classes").
type Class byte

const (
	ClassMetadata  Class = 'm'
	ClassMetaindex Class = 'i'
	ClassChunk     Class = 'c'
)

// TxOp identifies the kind of transaction being started, matching
// operation byte 0/1/2 in TRANSACTION_START (write/delete/fsck).
type TxOp uint8

const (
	TxWrite TxOp = 0
	TxDelete TxOp = 1
	TxFsck   TxOp = 2
)

// WhichKey selects AUTH_PUT (0) vs AUTH_DELETE (1) for commit-family
// packets, matching netpacket_transaction_commit's ${whichkey}.
type WhichKey uint8

const (
	KeyPut    WhichKey = 0
	KeyDelete WhichKey = 1
)

// Status codes returned in response packets' first byte, per spec.md
// §4.8/§7/§6 and the per-operation switch statements in
// storage_{read,write,delete,directory,transaction}.c.
const (
	StatusOK       uint8 = 0
	StatusNotFound uint8 = 1
	StatusCorrupt  uint8 = 2
	// READ_FILE only: account balance is not positive.
	StatusBalance uint8 = 3
	// Transaction cancel/trycommit and ISCHECKPOINTED=2: the server
	// wants the client to sleep and ask again.
	StatusTryAgain uint8 = 1
	StatusCkptTryAgain uint8 = 2
	// RegisterResponse-specific status values (spec.md §4.7).
	RegStatusOK              uint8 = 0
	RegStatusNoSuchUser      uint8 = 1
	RegStatusBadPassword     uint8 = 2
	RegStatusNegativeBalance uint8 = 3
	// DIRECTORY_RESPONSE page statuses.
	DirStatusDone    uint8 = 0
	DirStatusMore    uint8 = 1
	DirStatusRetry   uint8 = 2
	DirStatusBalance uint8 = 3
)
