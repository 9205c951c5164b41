package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSignatureStableAcrossCopies(t *testing.T) {
	jobA := &Job{JobType: "org.opencastproject.composer", Operation: "encode", Arguments: []string{"a", "b"}}
	jobB := jobA.Copy()
	jobB.ID = 99
	jobB.Payload = "different payload does not matter"

	assert.Equal(t, jobA.Signature(), jobB.Signature())
}

func TestSignatureDistinguishesIntent(t *testing.T) {
	base := &Job{JobType: "t", Operation: "op", Arguments: []string{"x"}}

	otherOperation := base.Copy()
	otherOperation.Operation = "other"
	assert.NotEqual(t, base.Signature(), otherOperation.Signature())

	otherArguments := base.Copy()
	otherArguments.Arguments = []string{"y"}
	assert.NotEqual(t, base.Signature(), otherArguments.Signature())

	// Argument boundaries matter: ["ab"] and ["a", "b"] differ.
	joined := &Job{JobType: "t", Operation: "op", Arguments: []string{"ab"}}
	split := &Job{JobType: "t", Operation: "op", Arguments: []string{"a", "b"}}
	assert.NotEqual(t, joined.Signature(), split.Signature())
}

func TestStatusTerminal(t *testing.T) {
	terminal := []Status{StatusFinished, StatusFailed, StatusCanceled}
	for _, status := range terminal {
		assert.True(t, status.Terminal(), status.String())
	}
	open := []Status{StatusInstantiated, StatusQueued, StatusDispatching, StatusRunning,
		StatusWaiting, StatusPaused, StatusRestart}
	for _, status := range open {
		assert.False(t, status.Terminal(), status.String())
	}
}

func TestStatusInfluencesLoadBalancing(t *testing.T) {
	influencing := []Status{StatusQueued, StatusDispatching, StatusRunning, StatusWaiting}
	for _, status := range influencing {
		assert.True(t, status.InfluencesLoadBalancing(), status.String())
	}
	assert.False(t, StatusFinished.InfluencesLoadBalancing())
	assert.False(t, StatusInstantiated.InfluencesLoadBalancing())
}

func TestSystemLoad(t *testing.T) {
	load := NewSystemLoad()
	assert.False(t, load.ContainsHost("h1"))
	assert.Zero(t, load.Get("h1").LoadFactor)

	load.Add("h1", 1.5)
	load.Add("h1", 0.5)
	load.Set(NodeLoad{Host: "h2", LoadFactor: 3})

	assert.True(t, load.ContainsHost("h1"))
	assert.Equal(t, float32(2.0), load.Get("h1").LoadFactor)
	assert.Equal(t, []NodeLoad{{Host: "h1", LoadFactor: 2}, {Host: "h2", LoadFactor: 3}}, load.NodeLoads())
}
