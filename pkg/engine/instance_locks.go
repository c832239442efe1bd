// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package engine

import (
	"sync"

	"github.com/pbinitiative/zenflow/pkg/engine/runtime"
	"github.com/pbinitiative/zenflow/pkg/handle"
)

type lockedInstance struct {
	mu   sync.Mutex
	refs int
}

// instanceLocks serializes mutations of one process instance and its node instances.
// Different instances never contend.
type instanceLocks struct {
	processInstances map[handle.Handle[runtime.ProcessInstance]]*lockedInstance
	mu               sync.Mutex
}

func newInstanceLocks() *instanceLocks {
	return &instanceLocks{
		processInstances: map[handle.Handle[runtime.ProcessInstance]]*lockedInstance{},
	}
}

func (c *instanceLocks) lockInstance(h handle.Handle[runtime.ProcessInstance]) {
	c.mu.Lock()
	ins, ok := c.processInstances[h]
	if !ok {
		ins = &lockedInstance{}
		c.processInstances[h] = ins
	}
	ins.refs++
	c.mu.Unlock()
	ins.mu.Lock()
}

func (c *instanceLocks) unlockInstance(h handle.Handle[runtime.ProcessInstance]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ins, ok := c.processInstances[h]
	if !ok {
		return
	}
	ins.mu.Unlock()
	ins.refs--
	if ins.refs == 0 {
		delete(c.processInstances, h)
	}
}

func (c *instanceLocks) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.processInstances)
}
