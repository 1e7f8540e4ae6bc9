package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestViewKey(t *testing.T) {
	assert.Equal(t, "Aggregate", AggregateView().Key())
	assert.Equal(t, "n1", NodesView("n1").Key())
	// Node order never affects identity.
	assert.Equal(t, NodesView("b", "a").Key(), NodesView("a", "b").Key())
}

func TestViewIncludes(t *testing.T) {
	assert.True(t, AggregateView().Includes("anything"))

	view := NodesView("n1", "n2")
	assert.True(t, view.Includes("n1"))
	assert.True(t, view.Includes("n2"))
	assert.False(t, view.Includes("n3"))
}

func TestNodeIsNetwork(t *testing.T) {
	assert.False(t, Node{Name: "n1", LogPath: "/var/log/node.log"}.IsNetwork())
	assert.True(t, Node{Name: "n2", Address: "10.0.0.5:9000"}.IsNetwork())
}
