// Package internal contains the implementation packages behind the assetpipe
// CLI.
//
// # Package Organization
//
//   - taskgraph: named tasks, file streams, series/parallel composites
//   - assets: the transformation steps (style, script, copy, image, clean)
//   - recipe: the concrete tasks and composites built from configuration
//   - watcher: filesystem events routed to rules by glob
//   - livereload: the WebSocket hub and browser client
//   - server: the dev HTTP server and its control endpoints
//   - config: Viper-backed configuration with validation
//   - errors: the typed error taxonomy shared by every package
//   - logging: structured logging and the console task reporter
//   - version: build stamp reporting
//
// # Data Flow
//
// A task reads a Source into []*taskgraph.File, pushes the set through its
// steps, and the final Dest step writes it to disk. In dev mode the watcher
// re-runs tasks through the same runner and the hub tells browsers what
// changed.
package internal
