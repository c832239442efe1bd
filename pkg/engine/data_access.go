// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package engine

import (
	"github.com/pbinitiative/zenflow/pkg/engine/runtime"
	"github.com/pbinitiative/zenflow/pkg/handle"
	"github.com/pbinitiative/zenflow/pkg/model"
	"github.com/pbinitiative/zenflow/pkg/storage"
	"github.com/pbinitiative/zenflow/pkg/storage/cache"
)

const (
	processInstanceBucket = "process_instance"
	nodeInstanceBucket    = "process_node_instance"
)

type instanceFactory struct {
	storage.JSONFactory[runtime.ProcessInstance]
	nodes storage.HandleMap[runtime.NodeInstance]
}

func (f *instanceFactory) AssignHandle(pi runtime.ProcessInstance, h handle.Handle[runtime.ProcessInstance]) runtime.ProcessInstance {
	pi.Handle = h
	return pi
}

// PreRemove removes the node instances of the instance together with it.
func (f *instanceFactory) PreRemove(tx *storage.Tx, _ handle.Handle[runtime.ProcessInstance], pi runtime.ProcessInstance) error {
	for _, n := range pi.Nodes {
		if _, err := f.nodes.Remove(tx, n); err != nil {
			return err
		}
	}
	return nil
}

type nodeInstanceFactory struct {
	storage.JSONFactory[runtime.NodeInstance]
}

func (f *nodeInstanceFactory) AssignHandle(n runtime.NodeInstance, h handle.Handle[runtime.NodeInstance]) runtime.NodeInstance {
	n.Handle = h
	return n
}

// engineData holds the cached handle maps of all engine aggregates.
type engineData struct {
	models    *model.Store
	instances *cache.Map[runtime.ProcessInstance]
	nodes     *cache.Map[runtime.NodeInstance]
}

func newEngineData(sizes CacheSizes) *engineData {
	nodes := cache.New[runtime.NodeInstance](storage.NewMap[runtime.NodeInstance](&nodeInstanceFactory{
		JSONFactory: storage.JSONFactory[runtime.NodeInstance]{Name: nodeInstanceBucket},
	}), sizes.NodeInstances)
	instances := cache.New[runtime.ProcessInstance](storage.NewMap[runtime.ProcessInstance](&instanceFactory{
		JSONFactory: storage.JSONFactory[runtime.ProcessInstance]{Name: processInstanceBucket},
		nodes:       nodes,
	}), sizes.Instances)
	return &engineData{
		models:    model.NewStore(sizes.Models),
		instances: instances,
		nodes:     nodes,
	}
}

func (d *engineData) invalidateCaches() {
	d.models.InvalidateCaches()
	d.instances.InvalidateCaches()
	d.nodes.InvalidateCaches()
}
