// Package registry implements the Channel Registry component.
//
// The registry reference-counts channel interest by name: many consumers of
// one channel share a single network subscription, and the network
// unsubscribe is deferred by a grace period after the last consumer leaves.
// On every transition into Connected the registry re-issues subscribes for
// all channels with live interest, gated by the Rate Governor.
package registry
