// Package app contains the camhal application logic: loading the platform
// profile and graph catalog, the dry-run graph report and the simulated
// capture run. It is decoupled from the command line, which lives in
// internal/cli.
package app
