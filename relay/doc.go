// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package relay implements the tcpmux core: listening sockets built from
// relay tuples, a pool of reactor-driven workers on dedicated OS threads,
// an acceptor that hands new connections across workers through eventfd
// doorbells, and the per-connection bidirectional relay state machine with
// bounded-buffer backpressure.
package relay
