package projection

import "fmt"

// NamingBuilder derives the stream names a projection reads and writes
// state to, from its name and, where relevant, a partition key.
//
// The original system threads this through a package-level static; per
// the "global / process-wide state" design note in spec.md §9, this
// runtime instead requires it as an explicit constructor dependency so
// two CoreProjections in the same process can use different naming
// schemes without interfering with each other.
type NamingBuilder interface {
	CheckpointStream(projectionName string) string
	PartitionCatalogStream(projectionName string) string
	PartitionStateStream(projectionName, partition string) string
}

// DefaultNamingBuilder reproduces the `$projections-<name>-*` scheme
// documented in spec.md §6.
type DefaultNamingBuilder struct{}

func (DefaultNamingBuilder) CheckpointStream(name string) string {
	return fmt.Sprintf("$projections-%s-checkpoint", name)
}

func (DefaultNamingBuilder) PartitionCatalogStream(name string) string {
	return fmt.Sprintf("$projections-%s-partitions", name)
}

func (DefaultNamingBuilder) PartitionStateStream(name, partition string) string {
	return fmt.Sprintf("$projections-%s-%s-state", name, partition)
}
