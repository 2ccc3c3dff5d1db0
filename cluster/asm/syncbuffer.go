package asm

// 导入端在接收快照期间累积主通道命令流的缓冲区，以固定大小的块计量

const syncBufferBlockSize = 16 * 1024

type bufferedCmd struct {
	args [][]byte
	size int // 在流中占用的原始字节数
}

type syncBuffer struct {
	cmds []*bufferedCmd
	head int

	used int64
	peak int64
	// 上一次允许读取时的块数
	lastNumBlocks int
}

func (b *syncBuffer) push(args [][]byte, size int) {
	b.cmds = append(b.cmds, &bufferedCmd{args: args, size: size})
	b.used += int64(size)
	if b.used > b.peak {
		b.peak = b.used
	}
}

func (b *syncBuffer) pop() *bufferedCmd {
	if b.head >= len(b.cmds) {
		return nil
	}
	cmd := b.cmds[b.head]
	b.cmds[b.head] = nil
	b.head++
	b.used -= int64(cmd.size)
	if b.head == len(b.cmds) {
		b.cmds = b.cmds[:0]
		b.head = 0
	}
	return cmd
}

func (b *syncBuffer) empty() bool {
	return b.head >= len(b.cmds)
}

// blocks 当前占用的块数
func (b *syncBuffer) blocks() int {
	return int((b.used + syncBufferBlockSize - 1) / syncBufferBlockSize)
}

// markWatermark 开始回放时记下当前块数
func (b *syncBuffer) markWatermark() {
	b.lastNumBlocks = b.blocks()
}

// MayReadMore 累积阶段总是可以读取；回放阶段要求至少消费掉两块之后才再读一块
func (b *syncBuffer) MayReadMore(streaming bool) bool {
	if !streaming {
		return true
	}
	if b.blocks()+1 >= b.lastNumBlocks {
		return false
	}
	b.lastNumBlocks = b.blocks()
	return true
}

func (b *syncBuffer) clear() {
	b.cmds = nil
	b.head = 0
	b.used = 0
	b.lastNumBlocks = 0
}
