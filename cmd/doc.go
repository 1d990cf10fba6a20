// Package cmd implements the command-line interface for the reclaim memory
// management toolkit. It provides a hierarchical command structure for
// exercising and inspecting the reclamation substrates.
//
// The package is organized into several subpackages:
//
//   - stress: Commands for load-testing the tracking tree, the epoch
//     reclamation manager and the generational context
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See reclaim -help for a list of all commands.
package cmd
