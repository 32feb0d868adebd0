package connector

import (
	"context"
	"reflect"
	"testing"
)

func TestRegistry(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	if names := r.Names(); len(names) != 0 {
		t.Fatalf("empty registry names = %v", names)
	}

	r.Register(&stubConnector{name: "siem", healthy: true})
	r.Register(&stubConnector{name: "edr", healthy: false})
	r.Register(&stubConnector{name: "intel", healthy: true})

	if got, want := r.Names(), []string{"edr", "intel", "siem"}; !reflect.DeepEqual(got, want) {
		t.Errorf("names = %v, want %v", got, want)
	}

	c, ok := r.Get("edr")
	if !ok || c.Name() != "edr" {
		t.Errorf("Get(edr) = %v, %v", c, ok)
	}
	if _, ok := r.Get("missing"); ok {
		t.Error("Get(missing) should report absence")
	}

	health := r.HealthAll(context.Background())
	if len(health) != 3 {
		t.Fatalf("health entries = %d, want 3", len(health))
	}
	if health["edr"].Healthy {
		t.Error("edr should be unhealthy")
	}
	if !health["siem"].Healthy {
		t.Error("siem should be healthy")
	}
}
