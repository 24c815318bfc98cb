package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lora-net/lnet"
	"github.com/lora-net/lnet/link"
	"github.com/lora-net/lnet/transport"
)

type silentRadio struct{}

func (r *silentRadio) Send(frame []byte) error { return nil }
func (r *silentRadio) StartRecv() error { return nil }
func (r *silentRadio) PollRecv(buf []byte) (int, error) { return 0, nil }
func (r *silentRadio) Standby() error { return nil }
func (r *silentRadio) IsIdle() bool { return true }

func TestGatewayCollector(t *testing.T) {
	now := time.Unix(1700000000, 0)
	clock := func() time.Time { return now }

	reg := link.NewRegistry()
	reg.Touch(lnet.Address{1, 1, 1, 1, 1, 1}, now)                     // active
	reg.Touch(lnet.Address{2, 2, 2, 2, 2, 2}, now.Add(-time.Minute))   // inactive
	dl := link.NewGatewayDataLink(&silentRadio{}, reg, link.Config{Now: clock}, nil)

	c := NewGatewayCollector("lnet", dl, reg, []string{"socket_id"}, nil, clock)

	ep, err := transport.NewEndpoint(dl, transport.NewSocketIDPool(), transport.Config{Now: clock}, true, nil)
	if err != nil {
		t.Fatalf("NewEndpoint: %v", err)
	}
	c.Add(ep, []string{"0"})

	descs := make(chan *prometheus.Desc, 16)
	c.Describe(descs)
	close(descs)
	var described int
	for range descs {
		described++
	}
	if described != 6 {
		t.Fatalf("Describe emitted %d descriptors, want 6", described)
	}

	mch := make(chan prometheus.Metric, 16)
	c.Collect(mch)
	close(mch)
	var collected []prometheus.Metric
	for m := range mch {
		collected = append(collected, m)
	}
	// 4 gateway gauges + 2 per-connection metrics for the one connection.
	if len(collected) != 6 {
		t.Fatalf("Collect emitted %d metrics, want 6", len(collected))
	}

	c.Remove(ep)
	mch = make(chan prometheus.Metric, 16)
	c.Collect(mch)
	close(mch)
	collected = collected[:0]
	for m := range mch {
		collected = append(collected, m)
	}
	if len(collected) != 4 {
		t.Fatalf("Collect after Remove emitted %d metrics, want 4", len(collected))
	}
}

func TestCollectorRegisters(t *testing.T) {
	reg := link.NewRegistry()
	dl := link.NewGatewayDataLink(&silentRadio{}, reg, link.Config{}, nil)
	c := NewGatewayCollector("lnet", dl, reg, []string{"socket_id"}, prometheus.Labels{"site": "test"}, nil)

	promReg := prometheus.NewPedanticRegistry()
	if err := promReg.Register(c); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := promReg.Gather(); err != nil {
		t.Fatalf("Gather: %v", err)
	}
}
