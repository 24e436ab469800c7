// Package daemon assembles the kiosk: it opens the database and hardware,
// wires capture, recognition, card reader, admission and delivery
// together, serves the admin surfaces, and owns the process lifecycle
// (instance lock, signals, hot reload, ordered shutdown).
package daemon
