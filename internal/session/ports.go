package session

import (
	"fmt"
	"sync"

	"reqsploit/pkg/model"
)

// portAllocator 进程级端口池，分配与释放互斥，防止两个会话竞争同一端口
type portAllocator struct {
	mu    sync.Mutex
	start int
	end   int
	inUse map[int]bool
}

func newPortAllocator(start, end int) *portAllocator {
	return &portAllocator{
		start: start,
		end:   end,
		inUse: make(map[int]bool),
	}
}

// Allocate 线性扫描范围内第一个空闲端口，耗尽时返回 ProxyError
func (p *portAllocator) Allocate() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for port := p.start; port <= p.end; port++ {
		if !p.inUse[port] {
			p.inUse[port] = true
			return port, nil
		}
	}
	return 0, model.NewProxyError("allocate port",
		fmt.Errorf("port range [%d,%d] exhausted", p.start, p.end))
}

// Release 归还端口，之后可再次分配
func (p *portAllocator) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inUse, port)
}

// InUse 当前占用数
func (p *portAllocator) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inUse)
}
