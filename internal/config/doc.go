/*
Package config provides configuration management for blockfs nodes.

Settings come from three sources, applied in order so that later sources win:

 1. Compiled-in defaults (NewDefault)
 2. A YAML file (LoadFromFile)
 3. BLOCKFS_* environment variables (LoadFromEnv)

Command line flags are applied on top by cmd/blockfs before Validate runs.

# Node addressing

Every node in a deployment is identified by an integer in [0, nodes). Unless an explicit
peers map is configured, node N listens on host:base_port+N:

	node:
	  id: 1
	  nodes: 3
	  host: 10.0.0.5
	  base_port: 7000     # node 0 → :7000, node 1 → :7001, node 2 → :7002

	node:
	  id: 0
	  nodes: 2
	  peers:
	    0: 10.0.0.5:7000
	    1: 10.0.0.6:7000

# Storage

The storage section selects the backing block store of the local node:

	storage:
	  backend: directory   # memory | directory | s3
	  directory:
	    path: /var/lib/blockfs
	    compression: zstd  # none | zstd | lz4
	  s3:
	    bucket: blocks
	    region: us-east-1
	    prefix: node0
	  cache:
	    size: 67108864     # bytes, 0 disables
	    max_entries: 0

The cache keeps recently used blocks in memory and writes through to the
backend. BLOCKFS_CACHE_SIZE overrides its size.
*/
package config
