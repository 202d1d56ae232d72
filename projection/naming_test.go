package projection

import "testing"

func TestDefaultNamingBuilderStreamNames(t *testing.T) {
	n := DefaultNamingBuilder{}

	if got, want := n.CheckpointStream("orders"), "$projections-orders-checkpoint"; got != want {
		t.Fatalf("CheckpointStream() = %q, want %q", got, want)
	}
	if got, want := n.PartitionCatalogStream("orders"), "$projections-orders-partitions"; got != want {
		t.Fatalf("PartitionCatalogStream() = %q, want %q", got, want)
	}
	if got, want := n.PartitionStateStream("orders", "customer-1"), "$projections-orders-customer-1-state"; got != want {
		t.Fatalf("PartitionStateStream() = %q, want %q", got, want)
	}
}
