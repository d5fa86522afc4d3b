// Package engine implements the build-and-reconcile core of Strata.
//
// The engine is resource-kind-agnostic. It consumes fully-rendered build
// artifacts produced by the build pipeline, orders them along the static
// kind precedence table refined by instance-level dependencies, and drives
// the diff/apply protocol against the remote platform through per-kind
// Loader adapters:
//
//	artifacts -> Orderer (phases) -> Differ (planned actions) -> Reconciler (apply)
//
// All remote mutation is owned by Loaders. The engine itself only decides
// what should happen, in which order, and under which failure policy.
package engine
