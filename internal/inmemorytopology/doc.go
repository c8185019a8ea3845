// Package inmemorytopology provides a thread-safe, in-memory implementation
// of the topologystore.Store interface. The whole catalog is held in memory,
// which matches how compiled graph catalogs are shipped: loaded wholesale and
// never modified afterwards.
package inmemorytopology
