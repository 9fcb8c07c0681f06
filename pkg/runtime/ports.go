// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package runtime

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
)

// PortAllocator hands out host ports from a closed range. A port claimed
// for a live unit is never handed out again until released, whatever the
// OS says about it.
type PortAllocator struct {
	start, end int

	mu      sync.Mutex
	claimed map[int]string
	next    int

	bindCheck func(port int) bool
}

// NewPortAllocator allocates from [start, end].
func NewPortAllocator(start, end int) *PortAllocator {
	return &PortAllocator{
		start:     start,
		end:       end,
		claimed:   make(map[int]string),
		next:      start,
		bindCheck: portFree,
	}
}

// portFree reports whether the port can be bound on all interfaces.
func portFree(port int) bool {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

// SetBindCheck replaces the bind check run before a port is handed out.
func (p *PortAllocator) SetBindCheck(check func(port int) bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bindCheck = check
}

// Allocate claims a free port for owner. The scan starts after the last
// allocation so recently released ports are reused last.
func (p *PortAllocator) Allocate(owner string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	size := p.end - p.start + 1
	for i := 0; i < size; i++ {
		port := p.start + (p.next-p.start+i)%size
		if _, taken := p.claimed[port]; taken {
			continue
		}
		if !p.bindCheck(port) {
			continue
		}
		p.claimed[port] = owner
		p.next = port + 1
		if p.next > p.end {
			p.next = p.start
		}
		return port, nil
	}
	return 0, fmt.Errorf("%w (%d-%d)", ErrPortExhausted, p.start, p.end)
}

// Claim marks port as owned without probing, for units found on startup.
func (p *PortAllocator) Claim(port int, owner string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if port < p.start || port > p.end {
		return false
	}
	if _, taken := p.claimed[port]; taken {
		return false
	}
	p.claimed[port] = owner
	return true
}

// Release returns port to the pool.
func (p *PortAllocator) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.claimed, port)
}

// Claimed returns the claimed ports in ascending order.
func (p *PortAllocator) Claimed() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	ports := make([]int, 0, len(p.claimed))
	for port := range p.claimed {
		ports = append(ports, port)
	}
	sort.Ints(ports)
	return ports
}
