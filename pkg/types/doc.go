/*
Package types provides the core interfaces and data structures shared by the blockfs layers.

# Architecture Overview

	┌─────────────────────────────────────────────┐
	│        FUSE front end (internal/fuse)       │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│  Filesystem facade (internal/filesystem)    │
	│  Inode layer       (internal/inode)         │
	└─────────────────────────────────────────────┘
	                      │  Transport
	┌─────────────────────────────────────────────┐
	│  Block transport (internal/transport)       │
	│   local branch ──── remote branch (wire)    │
	└─────────────────────────────────────────────┘
	          │ BlockStore
	┌─────────────────────────────────────────────┐
	│  memory │ directory │ s3  (internal/store)  │
	└─────────────────────────────────────────────┘

# Core Interfaces

Transport: the atomic read/write/compare-and-swap/allocate contract over a 128-bit
Address. Callers above it never know whether a block lives on the local node.

BlockStore: the per-node persistence collaborator used by the local branch of the
transport. Optional capabilities are expressed as the Syncer and StatProvider
interfaces.

# Data Structures

Address: (node id, block id). The zero address is reserved for the root directory's
metadata block.
*/
package types
