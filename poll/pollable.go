package poll

import "sync"

// ChannelPollable 用 channel 表示一次唤醒：channel 关闭即表示已被唤醒。
// Block 为每次等待重新 Reset，因此同一个实例可以跨多轮 poll 复用。
type ChannelPollable struct {
	mu    sync.Mutex
	ready chan struct{}
	woken bool
}

// NewPollable 创建一个尚未唤醒的 ChannelPollable。
func NewPollable() *ChannelPollable {
	return &ChannelPollable{ready: make(chan struct{})}
}

// Wake 实现 Waker：关闭当前 channel，重复调用无副作用。
func (p *ChannelPollable) Wake() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.woken {
		p.woken = true
		close(p.ready)
	}
}

// Reset 在已唤醒时换上新的 channel 并返回它；未唤醒时返回现有 channel。
// 调用方必须使用返回值，旧 channel 在 Reset 之后不再代表当前状态。
func (p *ChannelPollable) Reset() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.woken {
		p.woken = false
		p.ready = make(chan struct{})
	}
	return p.ready
}
