// Package vm implements the ember runtime engine.
//
// This package contains:
//   - A cell heap with a copying young generation and a mark-compact old
//     generation, joined by a card-marking write barrier
//   - Lightweight processes with mailboxes, leases, reentrant locks,
//     timers and execution quotas
//   - A cooperative scheduler with a run queue and an external waker
//   - The bytecode interpreter and its escape table
//   - An assembler for building code cells from Go
package vm
