// Package examples contains runnable example programs demonstrating
// the eventer package functionality.
//
// # Examples
//
// The examples directory contains the following subdirectories:
//
//   - 01_echo_server: Descriptor tasks, accepting and echoing with POSIXOps
//   - 02_async_jobs: Blocking work under deadlines, including CommandTask
//
// # Running Examples
//
// Each example can be run from the examples directory:
//
//	cd eventer/examples
//	go run ./01_echo_server/
//	go run ./02_async_jobs/
package examples
