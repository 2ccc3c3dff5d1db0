package asm

import "strings"

// State 任务状态，导入、迁移与 RDB 通道共用一套取值
type State int

const (
	StateNone State = iota
	StateConnecting
	StateAuthReply
	StateCanceled
	StateFailed
	StateCompleted

	// 导入端
	StateSendHandshake
	StateHandshakeReply
	StateSendSyncSlots
	StateSyncSlotsReply
	StateInitRDBChannel
	StateAccumulateBuf
	StateReadyToStream
	StateStreamingBuf
	StateWaitStreamEOF
	StateTakeover

	// 迁移端
	StateWaitRDBChannel
	StateWaitBgsaveStart
	StateSendBulkAndStream
	StateSendStream
	StateHandoffPrep
	StateHandoff
	StateStreamEOF

	// RDB 通道
	StateRDBChannelRequest
	StateRDBChannelReply
	StateRDBChannelTransfer
)

var stateNames = [...]string{
	StateNone:               "none",
	StateConnecting:         "connecting",
	StateAuthReply:          "auth-reply",
	StateCanceled:           "canceled",
	StateFailed:             "failed",
	StateCompleted:          "completed",
	StateSendHandshake:      "send-handshake",
	StateHandshakeReply:     "handshake-reply",
	StateSendSyncSlots:      "send-syncslots",
	StateSyncSlotsReply:     "syncslots-reply",
	StateInitRDBChannel:     "init-rdbchannel",
	StateAccumulateBuf:      "accumulate-buffer",
	StateReadyToStream:      "ready-to-stream",
	StateStreamingBuf:       "streaming-buffer",
	StateWaitStreamEOF:      "wait-stream-eof",
	StateTakeover:           "takeover",
	StateWaitRDBChannel:     "wait-rdbchannel",
	StateWaitBgsaveStart:    "wait-bgsave-start",
	StateSendBulkAndStream:  "send-bulk-and-stream",
	StateSendStream:         "send-stream",
	StateHandoffPrep:        "handoff-prep",
	StateHandoff:            "handoff",
	StateStreamEOF:          "stream-eof",
	StateRDBChannelRequest:  "rdbchannel-request",
	StateRDBChannelReply:    "rdbchannel-reply",
	StateRDBChannelTransfer: "rdbchannel-transfer",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// ParseState 不区分大小写
func ParseState(name string) (State, bool) {
	for i, n := range stateNames {
		if strings.EqualFold(n, name) {
			return State(i), true
		}
	}
	return StateNone, false
}

type Operation int

const (
	OpImport  Operation = 1 << 1
	OpMigrate Operation = 1 << 2
)

func (op Operation) String() string {
	if op == OpImport {
		return "import"
	}
	return "migrate"
}

// Event 任务生命周期事件，前 6 个是外部入口
type Event int

const (
	EventImportStart Event = iota + 1
	EventCancel
	EventHandoffPrep
	EventHandoff
	EventTakeover
	EventDone
	EventImportPrep
	EventImportStarted
	EventImportFailed
	EventImportCompleted
	EventMigratePrep
	EventMigrateStarted
	EventMigrateFailed
	EventMigrateCompleted
)

var eventNames = map[Event]string{
	EventImportStart:      "import-start",
	EventCancel:           "cancel",
	EventHandoffPrep:      "handoff-prep",
	EventHandoff:          "handoff",
	EventTakeover:         "takeover",
	EventDone:             "done",
	EventImportPrep:       "import-prep",
	EventImportStarted:    "import-started",
	EventImportFailed:     "import-failed",
	EventImportCompleted:  "import-completed",
	EventMigratePrep:      "migrate-prep",
	EventMigrateStarted:   "migrate-started",
	EventMigrateFailed:    "migrate-failed",
	EventMigrateCompleted: "migrate-completed",
}

func (e Event) String() string {
	if name, ok := eventNames[e]; ok {
		return name
	}
	return "unknown"
}

// Channel 故障注入点所在的通道
type Channel int

const (
	ChannelImportMain Channel = iota + 1
	ChannelImportRDB
	ChannelMigrateMain
	ChannelMigrateRDB
)

var channelNames = map[Channel]string{
	ChannelImportMain:  "import-main-channel",
	ChannelImportRDB:   "import-rdb-channel",
	ChannelMigrateMain: "migrate-main-channel",
	ChannelMigrateRDB:  "migrate-rdb-channel",
}

func (c Channel) String() string {
	if name, ok := channelNames[c]; ok {
		return name
	}
	return "unknown"
}

func parseChannel(name string) (Channel, bool) {
	for c, n := range channelNames {
		if strings.EqualFold(n, name) {
			return c, true
		}
	}
	return 0, false
}
