// Package metadata encodes cluster node information in serf member tags.
package metadata

import (
	"strconv"

	"github.com/hashicorp/serf/serf"
)

const (
	clusterName = "jobcluster"
	roleNode    = "node"
)

// Agent is a cluster node with its configuration.
type Agent struct {
	ID        string
	Name      string
	Bootstrap bool
	Expect    int
	NonVoter  bool
	Status    serf.MemberStatus
	SerfAddr  string
	RaftAddr  string
	APIAddr   string
}

// ToTags converts the agent information into serf member tags.
func (a Agent) ToTags() map[string]string {
	tags := map[string]string{
		"cluster":   clusterName,
		"role":      roleNode,
		"id":        a.ID,
		"name":      a.Name,
		"serf_addr": a.SerfAddr,
		"raft_addr": a.RaftAddr,
	}

	if a.APIAddr != "" {
		tags["api_addr"] = a.APIAddr
	}
	if a.Bootstrap {
		tags["bootstrap"] = "1"
	}
	if a.Expect != 0 {
		tags["expect"] = strconv.Itoa(a.Expect)
	}
	if a.NonVoter {
		tags["non_voter"] = "1"
	}

	return tags
}

// IsAgent checks if the given serf member is a node of this cluster.
func IsAgent(m serf.Member) (*Agent, bool) {
	if m.Tags["cluster"] != clusterName || m.Tags["role"] != roleNode {
		return nil, false
	}

	expect := 0
	if expectStr, ok := m.Tags["expect"]; ok {
		var err error
		expect, err = strconv.Atoi(expectStr)
		if err != nil {
			return nil, false
		}
	}

	_, bootstrap := m.Tags["bootstrap"]
	_, nonVoter := m.Tags["non_voter"]

	return &Agent{
		ID:        m.Tags["id"],
		Name:      m.Tags["name"],
		Bootstrap: bootstrap,
		Expect:    expect,
		NonVoter:  nonVoter,
		Status:    m.Status,
		SerfAddr:  m.Tags["serf_addr"],
		RaftAddr:  m.Tags["raft_addr"],
		APIAddr:   m.Tags["api_addr"],
	}, true
}
