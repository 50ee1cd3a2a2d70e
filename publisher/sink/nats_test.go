package sink

import (
	"testing"

	"github.com/maxpert/forwarder/cfg"
	"github.com/maxpert/forwarder/publisher"
	"github.com/stretchr/testify/assert"
)

func publisherRegistry(c cfg.SinkConfiguration) (*publisher.Registry, error) {
	return publisher.NewRegistry("b1", []cfg.SinkConfiguration{c})
}

func TestSanitizeStreamName(t *testing.T) {
	assert.Equal(t, "forwarder_orders_eu", sanitizeStreamName("forwarder.orders.eu"))
	assert.Equal(t, "a_b_c", sanitizeStreamName("a*b>c"))
}

func TestNatsFactoryRequiresURL(t *testing.T) {
	_, err := publisherRegistry(cfg.SinkConfiguration{Name: "n", Type: cfg.SinkNATS})
	assert.Error(t, err)
}
