// Package p2psync is a peer-to-peer, content-addressed file synchronization engine.
//
// A directory tree is indexed into a Spec:
// a tree of ContentNodes,
// each identified by the sha2-256 hash of its content.
// A file's hash covers the hashes of its fixed-size chunks,
// and a directory's hash covers the names and hashes of its children,
// so the hash of the root identifies the whole tree.
//
// Peers that hold some content serve it
// (metadata and chunk bytes)
// and periodically announce the hashes they hold to one or more trackers.
// A downloader asks a tracker who has a given hash,
// then fetches chunks from as many of those peers at once as it can,
// verifying each chunk against its expected hash as it arrives.
// A peer that has finished a download can itself serve what it downloaded,
// so popular content gets faster to fetch the more it is fetched.
//
// This package defines the data model,
// the hashing rules,
// the error taxonomy,
// and the interfaces that the other packages implement:
// the index package builds Specs,
// specstore persists them,
// tracker implements the peer registry,
// server serves Specs to the network,
// rpc carries all of it over gRPC,
// and swarm does the downloading.
//
// A tree that is being served is assumed not to change.
// Serving a tree that mutates is unsupported:
// hashes are computed once and are not re-validated.
package p2psync
