package cluster

import (
	"testing"

	"github.com/nrwiersma/jobcluster/cluster/metadata"
	"github.com/stretchr/testify/assert"
)

func TestMemberLookup_Upsert(t *testing.T) {
	agent := &metadata.Agent{ID: "node-1", RaftAddr: "127.0.0.1:8300"}
	l := newMemberLookup()

	l.Upsert(agent)

	assert.Equal(t, 1, l.Len())
	assert.Equal(t, agent, l.ByID("node-1"))
	assert.Equal(t, agent, l.ByAddr("127.0.0.1:8300"))
}

func TestMemberLookup_UpsertMovesAddress(t *testing.T) {
	l := newMemberLookup()
	l.Upsert(&metadata.Agent{ID: "node-1", RaftAddr: "127.0.0.1:8300"})

	moved := &metadata.Agent{ID: "node-1", RaftAddr: "127.0.0.2:8300"}
	l.Upsert(moved)

	assert.Equal(t, 1, l.Len())
	assert.Nil(t, l.ByAddr("127.0.0.1:8300"))
	assert.Equal(t, moved, l.ByAddr("127.0.0.2:8300"))
}

func TestMemberLookup_Remove(t *testing.T) {
	agent := &metadata.Agent{ID: "node-1", RaftAddr: "127.0.0.1:8300"}
	l := newMemberLookup()
	l.Upsert(agent)

	l.Remove(&metadata.Agent{ID: "node-1"})

	assert.Equal(t, 0, l.Len())
	assert.Nil(t, l.ByID("node-1"))
	assert.Nil(t, l.ByAddr("127.0.0.1:8300"))
}

func TestMemberLookup_Unknown(t *testing.T) {
	l := newMemberLookup()

	assert.Nil(t, l.ByID("node-1"))
	assert.Nil(t, l.ByAddr("127.0.0.1:8300"))
}
