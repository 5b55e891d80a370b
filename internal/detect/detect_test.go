package detect

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nerv-lab/tachikoma/internal/adapter"
	"github.com/nerv-lab/tachikoma/internal/router"
)

// fakeAdapter matches a fixed set of addresses.
type fakeAdapter struct {
	vendor  router.Vendor
	matches map[string]bool
	probes  atomic.Int64
	delay   time.Duration
}

func (f *fakeAdapter) Vendor() router.Vendor       { return f.vendor }
func (f *fakeAdapter) Transport() router.Transport { return router.TransportREST }

func (f *fakeAdapter) Probe(ctx context.Context, address string) adapter.ProbeResult {
	f.probes.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return adapter.ProbeResult{}
		}
	}
	if f.matches[address] {
		return adapter.ProbeResult{Match: true, Confidence: 0.9, Evidence: "test"}
	}
	return adapter.ProbeResult{}
}

func (f *fakeAdapter) Execute(context.Context, router.Target, router.Credentials, router.Command) (*router.CommandResult, error) {
	return nil, router.Errorf(router.ErrUnsupportedOperation, "probe-only fake")
}

func (f *fakeAdapter) Snapshot(context.Context, router.Target, router.Credentials) (*router.ConfigSnapshot, error) {
	return nil, router.Errorf(router.ErrUnsupportedOperation, "probe-only fake")
}

func (f *fakeAdapter) Restore(context.Context, router.Target, router.Credentials, *router.ConfigSnapshot) error {
	return router.Errorf(router.ErrUnsupportedOperation, "probe-only fake")
}

func newDetector(adapters ...adapter.Adapter) *Detector {
	reg := adapter.NewRegistry()
	for _, a := range adapters {
		reg.Register(a)
	}
	return New(reg, Options{ProbeTimeout: time.Second, TotalTimeout: 5 * time.Second})
}

func TestDetectFirstMatchWins(t *testing.T) {
	first := &fakeAdapter{vendor: router.VendorUniFi, matches: map[string]bool{"10.0.0.1": true}}
	second := &fakeAdapter{vendor: router.VendorPfSense, matches: map[string]bool{"10.0.0.1": true}}
	d := newDetector(first, second)

	target, err := d.Detect(context.Background(), "10.0.0.1", router.VendorUnknown, false)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if target.Vendor != router.VendorUniFi {
		t.Errorf("expected unifi (priority order), got %s", target.Vendor)
	}
	if second.probes.Load() != 0 {
		t.Error("lower priority adapter should not be probed after a match")
	}
}

func TestDetectCaches(t *testing.T) {
	fa := &fakeAdapter{vendor: router.VendorASUS, matches: map[string]bool{"10.0.0.2": true}}
	d := newDetector(fa)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := d.Detect(ctx, "10.0.0.2", router.VendorUnknown, false); err != nil {
			t.Fatalf("Detect #%d: %v", i, err)
		}
	}
	if got := fa.probes.Load(); got != 1 {
		t.Errorf("expected 1 probe, got %d", got)
	}
}

func TestDetectCachesFailure(t *testing.T) {
	fa := &fakeAdapter{vendor: router.VendorASUS, matches: map[string]bool{}}
	d := newDetector(fa)
	ctx := context.Background()

	_, err := d.Detect(ctx, "10.0.0.3", router.VendorUnknown, false)
	if router.KindOf(err) != router.ErrDetectionFailed {
		t.Fatalf("expected DetectionFailed, got %v", err)
	}
	// Second attempt answers from cache without probing.
	if _, err := d.Detect(ctx, "10.0.0.3", router.VendorUnknown, false); router.KindOf(err) != router.ErrDetectionFailed {
		t.Fatalf("expected cached DetectionFailed, got %v", err)
	}
	if got := fa.probes.Load(); got != 1 {
		t.Errorf("cached failure should not re-probe, got %d probes", got)
	}

	// Force bypasses the negative cache.
	fa.matches["10.0.0.3"] = true
	target, err := d.Detect(ctx, "10.0.0.3", router.VendorUnknown, true)
	if err != nil || target.Vendor != router.VendorASUS {
		t.Fatalf("force should re-probe: %v %v", target, err)
	}
}

func TestHintSkipsProbing(t *testing.T) {
	fa := &fakeAdapter{vendor: router.VendorOpenWRT, matches: map[string]bool{}}
	d := newDetector(fa)

	target, err := d.Detect(context.Background(), "10.0.0.4", router.VendorOpenWRT, false)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if target.Vendor != router.VendorOpenWRT || fa.probes.Load() != 0 {
		t.Errorf("hint must bypass probing: vendor=%s probes=%d", target.Vendor, fa.probes.Load())
	}
}

func TestConcurrentDetectCoalesces(t *testing.T) {
	fa := &fakeAdapter{
		vendor:  router.VendorPfSense,
		matches: map[string]bool{"10.0.0.5": true},
		delay:   50 * time.Millisecond,
	}
	d := newDetector(fa)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := d.Detect(context.Background(), "10.0.0.5", router.VendorUnknown, false); err != nil {
				t.Errorf("Detect: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := fa.probes.Load(); got != 1 {
		t.Errorf("concurrent detection should coalesce into 1 probe, got %d", got)
	}
}

func TestInvalidate(t *testing.T) {
	fa := &fakeAdapter{vendor: router.VendorUniFi, matches: map[string]bool{"10.0.0.6": true}}
	d := newDetector(fa)
	ctx := context.Background()

	if _, err := d.Detect(ctx, "10.0.0.6", router.VendorUnknown, false); err != nil {
		t.Fatal(err)
	}
	d.Invalidate("10.0.0.6")
	if _, ok := d.Cached("10.0.0.6"); ok {
		t.Error("cache entry should be gone")
	}
	if _, err := d.Detect(ctx, "10.0.0.6", router.VendorUnknown, false); err != nil {
		t.Fatal(err)
	}
	if got := fa.probes.Load(); got != 2 {
		t.Errorf("expected re-probe after invalidate, got %d probes", got)
	}
}

func TestDefaultRegistryOrder(t *testing.T) {
	reg := DefaultRegistry(time.Second, "public")
	all := reg.All()
	if len(all) != 6 {
		t.Fatalf("expected 6 adapters, got %d", len(all))
	}
	if all[0].Vendor() != router.VendorUniFi || all[len(all)-1].Vendor() != router.VendorOpenWRT {
		t.Errorf("unexpected priority order: first=%s last=%s", all[0].Vendor(), all[len(all)-1].Vendor())
	}
}
