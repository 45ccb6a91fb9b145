package mqttclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_NotConnectedBeforeDial(t *testing.T) {
	c := New(Options{URI: "tcp://127.0.0.1:1", ClientIDPrefix: "test"})
	assert.False(t, c.IsConnected())
}

func TestNewFactory_ProducesIndependentClients(t *testing.T) {
	factory := NewFactory("test-prefix", "", "", 0, 0, nil)
	a := factory("tcp://127.0.0.1:1")
	b := factory("tcp://127.0.0.1:2")
	assert.NotSame(t, a, b)
	assert.False(t, a.IsConnected())
	assert.False(t, b.IsConnected())
}
